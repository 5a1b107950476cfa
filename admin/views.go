package admin

import (
	"time"

	"github.com/everclear/mark/store"
)

// transactionView is the wire shape of one chain's transaction entry.
type transactionView struct {
	Hash string `json:"hash"`
}

// operationView is the wire shape of a rebalance operation.
type operationView struct {
	ID                 string                     `json:"id"`
	EarmarkID          *string                    `json:"earmarkId"`
	OriginChainID      uint64                     `json:"originChainId"`
	DestinationChainID uint64                     `json:"destinationChainId"`
	TickerHash         string                     `json:"tickerHash"`
	Amount             string                     `json:"amount"`
	SlippageDbps       int64                      `json:"slippageDbps"`
	Bridge             string                     `json:"bridge"`
	Status             string                     `json:"status"`
	IsOrphaned         bool                       `json:"isOrphaned"`
	Recipient          string                     `json:"recipient"`
	Transactions       map[uint64]transactionView `json:"transactions"`
	CreatedAt          time.Time                  `json:"createdAt"`
	UpdatedAt          time.Time                  `json:"updatedAt"`
}

// earmarkView is the wire shape of an earmark with its operations joined.
type earmarkView struct {
	ID                      string          `json:"id"`
	InvoiceID               string          `json:"invoiceId"`
	DesignatedPurchaseChain uint64          `json:"designatedPurchaseChain"`
	TickerHash              string          `json:"tickerHash"`
	MinAmount               string          `json:"minAmount"`
	Status                  string          `json:"status"`
	Operations              []operationView `json:"operations"`
	CreatedAt               time.Time       `json:"createdAt"`
	UpdatedAt               time.Time       `json:"updatedAt"`
}

func viewOperation(op *store.RebalanceOperation) operationView {
	view := operationView{
		ID:                 op.ID.String(),
		OriginChainID:      op.OriginChainID,
		DestinationChainID: op.DestinationChainID,
		TickerHash:         op.TickerHash,
		Amount:             op.Amount,
		SlippageDbps:       op.SlippageDbps,
		Bridge:             op.Bridge,
		Status:             string(op.Status),
		IsOrphaned:         op.IsOrphaned,
		Recipient:          op.Recipient,
		Transactions:       make(map[uint64]transactionView, len(op.Transactions)),
		CreatedAt:          op.CreatedAt,
		UpdatedAt:          op.UpdatedAt,
	}
	if op.EarmarkID != nil {
		id := op.EarmarkID.String()
		view.EarmarkID = &id
	}
	for chainID, entry := range op.Transactions {
		view.Transactions[chainID] = transactionView{Hash: entry.Hash.Hex()}
	}
	return view
}

func viewEarmark(e *store.Earmark) earmarkView {
	return earmarkView{
		ID:                      e.ID.String(),
		InvoiceID:               e.InvoiceID,
		DesignatedPurchaseChain: e.DesignatedPurchaseChain,
		TickerHash:              e.TickerHash,
		MinAmount:               e.MinAmount,
		Status:                  string(e.Status),
		Operations:              []operationView{},
		CreatedAt:               e.CreatedAt,
		UpdatedAt:               e.UpdatedAt,
	}
}
