package chainservice

import (
	"context"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/everclear/mark/config"
)

var (
	submitCounter     = metrics.NewRegisteredCounter("mark/submitter/submitted", nil)
	submitFailCounter = metrics.NewRegisteredCounter("mark/submitter/failed", nil)
)

// Submitter is the shared submission helper: it applies the per-chain
// scoped-execution wrap when configured and delegates to the chain service.
// Collaborator failure kinds propagate unchanged.
type Submitter struct {
	chains Service
	cfg    *config.Config
	logger log.Logger
}

// NewSubmitter builds a submitter over a chain service.
func NewSubmitter(chains Service, cfg *config.Config) *Submitter {
	return &Submitter{
		chains: chains,
		cfg:    cfg,
		logger: log.New("service", "submitter"),
	}
}

// Submit sends a prepared transaction on its chain and waits for the receipt.
func (s *Submitter) Submit(ctx context.Context, req TransactionRequest) (*TransactionResult, error) {
	if chain, ok := s.cfg.Chain(req.ChainID); ok && chain.ScopedExecution != nil {
		wrapped, err := WrapScoped(req, chain.ScopedExecution)
		if err != nil {
			return nil, err
		}
		req = wrapped
	}
	result, err := s.chains.SubmitAndMonitor(ctx, req)
	if err != nil {
		submitFailCounter.Inc(1)
		s.logger.Warn("Transaction submission failed", "chain", req.ChainID, "func", req.FuncSig, "err", err)
		return nil, err
	}
	submitCounter.Inc(1)
	s.logger.Info("Transaction confirmed", "chain", req.ChainID, "hash", result.Hash, "func", req.FuncSig)
	return result, nil
}
