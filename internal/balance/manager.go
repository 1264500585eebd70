package balance

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"keeper/internal/adapter"
	"keeper/internal/adapter/enum"
	"keeper/internal/errors"
	"keeper/internal/obs"
	"keeper/internal/ratelimit"
	"keeper/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

// DistributionResult is the outcome of DistributeIdleFunds.
type DistributionResult struct {
	Wallet    decimal.Decimal
	Share     decimal.Decimal
	Deposited map[string]decimal.Decimal
	Skipped   []string
	Failed    map[string]error
}

// Transfer moves Amount from one exchange to another through the wallet.
type Transfer struct {
	From   string
	To     string
	Amount decimal.Decimal
}

// RebalanceResult is the outcome of RebalanceForOpportunity.
type RebalanceResult struct {
	LongDeficit  decimal.Decimal
	ShortDeficit decimal.Decimal
	Transfers    []Transfer
}

// Manager tracks the wallet and moves collateral between exchanges.
type Manager struct {
	venues  adapter.Venues
	wallet  adapter.WalletReader
	limiter *ratelimit.Limiter
	prom    *obs.Prometheus

	mu     sync.Mutex
	policy Policy
}

// New creates a balance manager. wallet and prom may be nil.
func New(policy Policy, venues adapter.Venues, wallet adapter.WalletReader, limiter *ratelimit.Limiter, prom *obs.Prometheus) *Manager {
	return &Manager{
		venues:  venues,
		wallet:  wallet,
		limiter: limiter,
		prom:    prom,
		policy:  policy.withDefaults(),
	}
}

// Policy returns the current policy.
func (m *Manager) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// SetPolicy replaces the policy.
func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p.withDefaults()
}

// WalletBalance reads the on-chain collateral balance. Read failures are logged and
// reported as zero.
func (m *Manager) WalletBalance(ctx context.Context) decimal.Decimal {
	if m.wallet == nil {
		return decimal.Zero
	}
	bal, err := m.wallet.CollateralBalance(ctx)
	if err != nil {
		logs.Errorf("read wallet balance, err: %+v", err)
		return decimal.Zero
	}
	return bal
}

// DistributeIdleFunds splits the wallet balance evenly across exchanges. Shares below
// MinTicket are skipped; a failed deposit does not stop the others.
func (m *Manager) DistributeIdleFunds(ctx context.Context, exchanges []string) DistributionResult {
	policy := m.Policy()
	res := DistributionResult{
		Deposited: make(map[string]decimal.Decimal),
		Failed:    make(map[string]error),
	}
	if len(exchanges) == 0 {
		return res
	}
	res.Wallet = m.WalletBalance(ctx)
	if res.Wallet.LessThan(policy.MinWalletBalance) || !res.Wallet.IsPositive() {
		logs.Infof("wallet holds %s %s, nothing to distribute", res.Wallet, policy.Asset)
		res.Skipped = slices.Clone(exchanges)
		return res
	}

	res.Share = res.Wallet.Div(decimal.NewFromInt(int64(len(exchanges)))).Truncate(6)
	for _, name := range exchanges {
		if res.Share.LessThan(policy.MinTicket) {
			res.Skipped = append(res.Skipped, name)
			continue
		}
		if err := m.deposit(ctx, name, res.Share, policy); err != nil {
			logs.Errorf("distribute %s %s to %s, err: %+v", res.Share, policy.Asset, name, err)
			res.Failed[name] = err
			continue
		}
		res.Deposited[name] = res.Share
	}
	return res
}

type source struct {
	name    string
	surplus decimal.Decimal
}

// RebalanceForOpportunity tops up both legs of opp to required collateral, pulling from
// exchanges not involved in the trade. Every deficit is planned against a single source
// before anything moves; if no source covers a deficit nothing is transferred.
func (m *Manager) RebalanceForOpportunity(ctx context.Context, opp adapter.Opportunity, required, longBal, shortBal decimal.Decimal) (RebalanceResult, error) {
	policy := m.Policy()
	res := RebalanceResult{
		LongDeficit:  deficit(required, longBal),
		ShortDeficit: deficit(required, shortBal),
	}
	if res.LongDeficit.IsZero() && res.ShortDeficit.IsZero() {
		return res, nil
	}
	if policy.WalletAddress == "" {
		return res, errors.Wrapf(exception.ErrWalletAddressMissing, "rebalance %s", opp.Symbol)
	}

	sources := m.sources(ctx, opp, policy)
	plan, err := planTransfers(opp, res, sources)
	if err != nil {
		return res, err
	}

	for _, t := range plan {
		if err := m.move(ctx, t, policy); err != nil {
			return res, err
		}
		res.Transfers = append(res.Transfers, t)
		logs.Infof("moved %s %s from %s to %s for %s", t.Amount, policy.Asset, t.From, t.To, opp.Symbol)
	}
	return res, nil
}

// sources returns the surplus of every uninvolved exchange, largest first. Exchanges
// whose balance cannot be read are left out.
func (m *Manager) sources(ctx context.Context, opp adapter.Opportunity, policy Policy) []source {
	var out []source
	for _, name := range m.venues.Names() {
		if name == opp.LongExchange || name == opp.ShortExchange {
			continue
		}
		bal, err := m.balance(ctx, name, policy)
		if err != nil {
			logs.Errorf("balance of %s, err: %+v", name, err)
			continue
		}
		surplus := bal.Sub(policy.Reserve)
		if surplus.IsPositive() {
			out = append(out, source{name: name, surplus: surplus})
		}
	}
	sortSources(out)
	return out
}

func planTransfers(opp adapter.Opportunity, res RebalanceResult, sources []source) ([]Transfer, error) {
	type need struct {
		exchange string
		amount   decimal.Decimal
	}
	needs := []need{{opp.LongExchange, res.LongDeficit}, {opp.ShortExchange, res.ShortDeficit}}
	slices.SortStableFunc(needs, func(a, b need) int {
		return b.amount.Cmp(a.amount)
	})

	var plan []Transfer
	for _, n := range needs {
		if !n.amount.IsPositive() {
			continue
		}
		if len(sources) == 0 || sources[0].surplus.LessThan(n.amount) {
			return nil, errors.Wrapf(exception.ErrInsufficientSurplus, "%s needs %s for %s", n.exchange, n.amount, opp.Symbol)
		}
		plan = append(plan, Transfer{From: sources[0].name, To: n.exchange, Amount: n.amount})
		sources[0].surplus = sources[0].surplus.Sub(n.amount)
		sortSources(sources)
	}
	return plan, nil
}

func sortSources(s []source) {
	slices.SortStableFunc(s, func(a, b source) int {
		if c := b.surplus.Cmp(a.surplus); c != 0 {
			return c
		}
		return cmp.Compare(a.name, b.name)
	})
}

func deficit(required, have decimal.Decimal) decimal.Decimal {
	d := required.Sub(have)
	if d.IsPositive() {
		return d
	}
	return decimal.Zero
}

// move withdraws from the source to the wallet and deposits the same amount to the
// target.
func (m *Manager) move(ctx context.Context, t Transfer, policy Policy) error {
	from, ok := m.venues[t.From]
	if !ok {
		return errors.Wrapf(exception.ErrUnknownExchange, "withdraw from %s", t.From)
	}
	if err := m.limiter.Acquire(ctx, t.From, policy.Weight, enum.PriorityHigh); err != nil {
		return err
	}
	err := from.Exchange.WithdrawExternal(ctx, t.Amount, policy.Asset, policy.WalletAddress)
	m.prom.IncTransfer(t.From, "withdraw", err)
	if err != nil {
		return errors.Wrapf(err, "withdraw %s %s from %s", t.Amount, policy.Asset, t.From)
	}
	if err := m.deposit(ctx, t.To, t.Amount, policy); err != nil {
		return errors.Wrapf(err, "withdrew %s from %s but deposit to %s failed", t.Amount, t.From, t.To)
	}
	return nil
}

func (m *Manager) deposit(ctx context.Context, name string, amount decimal.Decimal, policy Policy) error {
	venue, ok := m.venues[name]
	if !ok {
		return errors.Wrapf(exception.ErrUnknownExchange, "deposit to %s", name)
	}
	if err := m.limiter.Acquire(ctx, name, policy.Weight, enum.PriorityHigh); err != nil {
		return err
	}
	err := venue.Exchange.DepositExternal(ctx, amount, policy.Asset)
	m.prom.IncTransfer(name, "deposit", err)
	return errors.Mark(errors.Wrapf(err, "deposit %s %s to %s", amount, policy.Asset, name), exception.ErrAdapterFailure)
}

func (m *Manager) balance(ctx context.Context, name string, policy Policy) (decimal.Decimal, error) {
	venue, ok := m.venues[name]
	if !ok {
		return decimal.Zero, errors.Wrapf(exception.ErrUnknownExchange, "balance of %s", name)
	}
	if err := m.limiter.Acquire(ctx, name, policy.Weight, enum.PriorityNormal); err != nil {
		return decimal.Zero, err
	}
	bal, err := venue.Exchange.Balance(ctx)
	return bal, errors.Wrapf(err, "balance of %s", name)
}

// Balance reads the collateral balance of one exchange.
func (m *Manager) Balance(ctx context.Context, name string) (decimal.Decimal, error) {
	return m.balance(ctx, name, m.Policy())
}
