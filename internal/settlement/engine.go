// Package settlement implements the grant settlement and reconciliation
// engine: the ledger-wide claim/issue/buy/authorize/terminate operations,
// the spare-balance pool, and the at-most-once transfer protocol across the
// asynchronous external channel.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/terminal-bench/vestd/internal/grant"
	"github.com/terminal-bench/vestd/internal/pausegate"
	"github.com/terminal-bench/vestd/internal/roles"
	"github.com/terminal-bench/vestd/internal/transfer"
	"github.com/terminal-bench/vestd/pkg/amount"
	"github.com/terminal-bench/vestd/pkg/messaging"
)

var (
	ErrNotAuthorized     = errors.New("caller lacks required role")
	ErrDuplicateGrant    = errors.New("a grant has already been issued on this date")
	ErrInsufficientSpare = errors.New("insufficient spare balance")
	ErrAmountMismatch    = errors.New("deposited amount does not match total grant amount")
	ErrNoChannel         = errors.New("no transfer channel configured")
)

// EventSink receives ledger events. *messaging.Client satisfies it.
type EventSink interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Snapshotter persists engine state after mutations. Persistence is
// write-behind durability, not the source of truth; failures are logged and
// do not fail the operation.
type Snapshotter interface {
	SaveAccount(ctx context.Context, beneficiary string, acct grant.Account) error
	SaveSpare(ctx context.Context, spare amount.Amount) error
}

// GrantRequest is one grant to create in an issue round.
type GrantRequest struct {
	Beneficiary string        `json:"beneficiary"`
	Amount      amount.Amount `json:"amount"`
}

// Options configures a new Engine.
type Options struct {
	// Asset is the external asset reference transfers are drawn against.
	Asset string
	// Owner is the top-level authority: role administration and
	// force-unpause.
	Owner string
	// Schedule is the ledger-wide cliff/vesting configuration. Durations
	// are accepted as given; positive values are a deployment
	// precondition.
	Schedule grant.Schedule

	Roles   roles.Store
	Gate    pausegate.Gate
	Channel transfer.Channel

	Events    EventSink   // optional
	Snapshots Snapshotter // optional
	Now       func() int64
}

// Engine is the settlement engine. Every public operation runs to
// completion under one lock and either applies fully or leaves no
// observable state change.
type Engine struct {
	mu sync.Mutex

	asset    string
	owner    string
	schedule grant.Schedule

	roles     roles.Store
	gate      pausegate.Gate
	channel   transfer.Channel
	events    EventSink
	snapshots Snapshotter
	now       func() int64

	accounts map[string]*grant.Account
	spare    amount.Amount
	pending  *pendingLedger
}

// NewEngine creates an engine with an empty ledger and zero spare balance.
func NewEngine(opts Options) *Engine {
	gate := opts.Gate
	if gate == nil {
		gate = pausegate.NewMemoryGate()
	}
	rolesStore := opts.Roles
	if rolesStore == nil {
		rolesStore = roles.NewMemoryStore()
	}
	now := opts.Now
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	return &Engine{
		asset:     opts.Asset,
		owner:     opts.Owner,
		schedule:  opts.Schedule,
		roles:     rolesStore,
		gate:      gate,
		channel:   opts.Channel,
		events:    opts.Events,
		snapshots: opts.Snapshots,
		now:       now,
		accounts:  make(map[string]*grant.Account),
		spare:     amount.Zero(),
		pending:   newPendingLedger(),
	}
}

// Restore replaces the ledger state, used when bootstrapping from a
// persisted snapshot.
func (e *Engine) Restore(accounts map[string]*grant.Account, spare amount.Amount) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accounts = make(map[string]*grant.Account, len(accounts))
	for beneficiary, acct := range accounts {
		e.accounts[beneficiary] = acct.Clone()
	}
	e.spare = spare
}

// Claim converts the caller's newly vested amounts into orders. For each of
// the caller's grants not currently in flight, any vested surplus beyond
// claimed+order is added to the order balance. A no-op for accounts with no
// grants.
func (e *Engine) Claim(ctx context.Context, caller string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := pausegate.RequireUnpaused(ctx, e.gate); err != nil {
		return err
	}

	now := e.now()
	pendingSet := e.pending.issuances(caller)

	acct, ok := e.accounts[caller]
	if !ok {
		acct = grant.NewAccount()
		e.accounts[caller] = acct
	}
	if len(acct.Grants) == 0 {
		return nil
	}

	var updates []messaging.OrderUpdateData
	for _, issuedAt := range sortedIssuances(acct) {
		if _, inFlight := pendingSet[issuedAt]; inFlight {
			continue
		}
		if now < e.schedule.CliffEnd(issuedAt) {
			continue
		}

		g := acct.Grants[issuedAt]
		vested := g.VestedAmount(now, issuedAt, e.schedule)
		outstanding := g.Claimed.Add(g.Order)
		if vested.GreaterThan(outstanding) {
			g.Order = g.Order.Add(vested.Sub(outstanding))
		}

		updates = append(updates, messaging.OrderUpdateData{
			IssuedAt: issuedAt,
			Amount:   g.Order.String(),
		})
	}

	e.publish(ctx, messaging.EventTypeOrderUpdate, messaging.OrderUpdateEvent{
		Beneficiary: caller,
		Orders:      updates,
	})
	e.saveAccount(ctx, caller)
	return nil
}

// Issue creates one grant per (beneficiary, issuedAt) pair against the
// spare pool. Caller must hold the issuer role. The whole call fails, with
// no grants created, if the total exceeds the spare balance or any pair
// already has a grant.
func (e *Engine) Issue(ctx context.Context, caller string, issuedAt int64, grants []GrantRequest) error {
	if err := e.requireRole(ctx, caller, roles.Issuer); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.issueLocked(ctx, issuedAt, grants)
}

func (e *Engine) issueLocked(ctx context.Context, issuedAt int64, grants []GrantRequest) error {
	if err := pausegate.RequireUnpaused(ctx, e.gate); err != nil {
		return err
	}

	total := amount.Zero()
	for _, req := range grants {
		total = total.Add(req.Amount)
	}
	if total.GreaterThan(e.spare) {
		return fmt.Errorf("%w: required %s, available %s", ErrInsufficientSpare, total, e.spare)
	}

	// All-or-nothing: reject every collision before creating anything.
	seen := make(map[string]struct{}, len(grants))
	for _, req := range grants {
		if _, dup := seen[req.Beneficiary]; dup {
			return fmt.Errorf("%w: %s at %d", ErrDuplicateGrant, req.Beneficiary, issuedAt)
		}
		seen[req.Beneficiary] = struct{}{}
		if acct, ok := e.accounts[req.Beneficiary]; ok {
			if _, exists := acct.Grants[issuedAt]; exists {
				return fmt.Errorf("%w: %s at %d", ErrDuplicateGrant, req.Beneficiary, issuedAt)
			}
		}
	}

	issued := make(map[string]string, len(grants))
	for _, req := range grants {
		acct, ok := e.accounts[req.Beneficiary]
		if !ok {
			acct = grant.NewAccount()
			e.accounts[req.Beneficiary] = acct
		}
		acct.Grants[issuedAt] = &grant.Grant{
			Total:   req.Amount,
			Claimed: amount.Zero(),
			Order:   amount.Zero(),
		}
		issued[req.Beneficiary] = req.Amount.String()
	}
	e.spare = e.spare.Sub(total)

	log.Printf("settlement: issued %d grants totalling %s at %d", len(grants), total, issuedAt)
	e.publish(ctx, messaging.EventTypeGrantIssued, messaging.GrantIssuedEvent{
		IssuedAt: issuedAt,
		Grants:   issued,
		Total:    total.String(),
	})
	for beneficiary := range issued {
		e.saveAccount(ctx, beneficiary)
	}
	e.saveSpare(ctx)
	return nil
}

// Buy settles orders internally: for each listed beneficiary's grants not
// in flight, the basis-point share of the order moves into claimed and back
// into the spare pool, and the order is zeroed. Fully synchronous. A zero
// percentage declines the orders instead.
func (e *Engine) Buy(ctx context.Context, caller string, beneficiaries []string, percentageBP uint32) error {
	if err := e.requireRole(ctx, caller, roles.Executor); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := pausegate.RequireUnpaused(ctx, e.gate); err != nil {
		return err
	}

	if percentageBP == 0 {
		e.declineLocked(beneficiaries)
		return nil
	}

	for _, beneficiary := range beneficiaries {
		pendingSet := e.pending.issuances(beneficiary)
		acct, ok := e.accounts[beneficiary]
		if !ok {
			continue
		}

		for _, issuedAt := range sortedIssuances(acct) {
			if _, inFlight := pendingSet[issuedAt]; inFlight {
				continue
			}
			g := acct.Grants[issuedAt]
			if g.Order.IsZero() {
				continue
			}

			bought := amount.PercentBP(g.Order, percentageBP)
			g.Claimed = g.Claimed.Add(bought)
			g.Order = amount.Zero()
			e.spare = e.spare.Add(bought)

			e.publish(ctx, messaging.EventTypeBuyback, messaging.BuybackEvent{
				Beneficiary:  beneficiary,
				IssuedAt:     issuedAt,
				BoughtAmount: bought.String(),
			})
		}
		e.saveAccount(ctx, beneficiary)
	}
	e.saveSpare(ctx)
	return nil
}

// Authorize pushes orders out as real transfers. The ledger is paused for
// the whole round: each affected grant's order moves into claimed up front
// (so nothing can double-spend it while the batch is in flight), the batch
// is submitted to the external channel, and the reconciliation callback
// later rolls back any transfers that failed and unpauses the ledger.
// A nil percentage means 100%; zero declines the orders without pausing.
func (e *Engine) Authorize(ctx context.Context, caller string, beneficiaries []string, percentageBP *uint32) error {
	if err := e.requireRole(ctx, caller, roles.Executor); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := pausegate.RequireUnpaused(ctx, e.gate); err != nil {
		return err
	}

	bp := uint32(10_000)
	if percentageBP != nil {
		bp = *percentageBP
	}
	if bp == 0 {
		e.declineLocked(beneficiaries)
		return nil
	}
	if e.channel == nil {
		return ErrNoChannel
	}

	if err := e.gate.Pause(ctx); err != nil {
		return err
	}

	// Discard stale entries from the previous, already-reconciled round.
	e.pending.clear()

	batch := transfer.Batch{ID: uuid.New(), Asset: e.asset}
	for _, beneficiary := range beneficiaries {
		pendingSet := e.pending.issuances(beneficiary)
		acct, ok := e.accounts[beneficiary]
		if !ok {
			continue
		}

		for _, issuedAt := range sortedIssuances(acct) {
			if _, inFlight := pendingSet[issuedAt]; inFlight {
				continue
			}
			g := acct.Grants[issuedAt]
			if g.Order.IsZero() {
				continue
			}

			authorized := amount.PercentBP(g.Order, bp)
			if authorized.IsZero() {
				continue
			}

			// Optimistic claim: reflect the transfer before it
			// happens; reconciliation reverts it on failure.
			g.Claimed = g.Claimed.Add(authorized)
			g.Order = amount.Zero()

			batch.Requests = append(batch.Requests, transfer.Request{
				Recipient: beneficiary,
				Amount:    authorized,
			})
			batch.Keys = append(batch.Keys, transfer.Key{
				Beneficiary: beneficiary,
				IssuedAt:    issuedAt,
			})
			e.pending.append(beneficiary, issuedAt, authorized)
		}
	}

	if len(batch.Requests) == 0 {
		// Nothing went in flight; the gate has nothing to protect.
		return e.gate.Unpause(ctx)
	}

	if !e.channel.CanAfford(len(batch.Requests)) {
		e.rollbackLocked(batch.Keys)
		if err := e.gate.Unpause(ctx); err != nil {
			return err
		}
		return fmt.Errorf("%w: batch of %d transfers", transfer.ErrBudgetExceeded, len(batch.Requests))
	}

	if err := e.channel.Submit(ctx, batch); err != nil {
		e.rollbackLocked(batch.Keys)
		if unpauseErr := e.gate.Unpause(ctx); unpauseErr != nil {
			return unpauseErr
		}
		return fmt.Errorf("failed to submit transfer batch: %w", err)
	}

	for _, key := range batch.Keys {
		e.saveAccount(ctx, key.Beneficiary)
	}
	return nil
}

// OnAuthorizeComplete reconciles a settled transfer batch. For each key, in
// submission order, a failed transfer's amount is moved back from claimed
// to order, the exact inverse of the optimistic update made by Authorize.
// Finally the pending ledger is cleared and the ledger unpauses. Only the
// transfer channel dispatcher calls this.
func (e *Engine) OnAuthorizeComplete(ctx context.Context, batchID uuid.UUID, keys []transfer.Key, succeeded []bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	log.Printf("settlement: authorize batch %s completed: %d transfers processed", batchID, len(keys))

	if err := pausegate.RequirePaused(ctx, e.gate); err != nil {
		return err
	}
	if len(succeeded) != len(keys) {
		return fmt.Errorf("result count %d does not match %d transfer keys", len(succeeded), len(keys))
	}

	failed := 0
	for i, key := range keys {
		if succeeded[i] {
			continue
		}
		failed++

		amt, ok := e.pending.lookup(key.Beneficiary, key.IssuedAt)
		if !ok {
			// Should not occur under correct sequencing.
			log.Printf("settlement: no pending transfer entry for %s at issuance %d", key.Beneficiary, key.IssuedAt)
			continue
		}
		acct, ok := e.accounts[key.Beneficiary]
		if !ok {
			log.Printf("settlement: no account %s for failed transfer", key.Beneficiary)
			continue
		}
		g, ok := acct.Grants[key.IssuedAt]
		if !ok {
			log.Printf("settlement: no grant for %s at issuance %d", key.Beneficiary, key.IssuedAt)
			continue
		}

		g.Claimed = g.Claimed.Sub(amt)
		g.Order = g.Order.Add(amt)
	}

	e.pending.clear()
	if err := e.gate.Unpause(ctx); err != nil {
		return err
	}

	e.publish(ctx, messaging.EventTypeReconciled, messaging.ReconciledEvent{
		BatchID:   batchID,
		Transfers: len(keys),
		Failed:    failed,
		Timestamp: time.Now(),
	})
	for _, key := range keys {
		e.saveAccount(ctx, key.Beneficiary)
	}
	return nil
}

// Terminate declines the beneficiary's pending (non-in-flight) orders, then
// terminates every grant of the account, returning each recovered unvested
// remainder to the spare pool.
func (e *Engine) Terminate(ctx context.Context, caller, beneficiary string, terminateAt int64) error {
	if err := e.requireRole(ctx, caller, roles.Executor); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := pausegate.RequireUnpaused(ctx, e.gate); err != nil {
		return err
	}

	e.declineForLocked(beneficiary)

	acct, ok := e.accounts[beneficiary]
	if !ok {
		return nil
	}

	now := e.now()
	var recovered []messaging.TerminatedRecovery
	for _, issuedAt := range sortedIssuances(acct) {
		g := acct.Grants[issuedAt]
		rec := g.Terminate(issuedAt, e.schedule, terminateAt, now)
		e.spare = e.spare.Add(rec)
		recovered = append(recovered, messaging.TerminatedRecovery{
			IssuedAt:  issuedAt,
			Recovered: rec.String(),
		})
	}

	e.publish(ctx, messaging.EventTypeTerminated, messaging.TerminatedEvent{
		Beneficiary: beneficiary,
		Timestamp:   terminateAt,
		Recovered:   recovered,
	})
	e.saveAccount(ctx, beneficiary)
	e.saveSpare(ctx)
	return nil
}

// TopUp credits an external deposit to the spare pool.
func (e *Engine) TopUp(ctx context.Context, amt amount.Amount) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.spare = e.spare.Add(amt)
	e.publish(ctx, messaging.EventTypeSpareTopUp, messaging.SpareTopUpEvent{Amount: amt.String()})
	e.saveSpare(ctx)
	return nil
}

// FundedIssue credits a deposit and issues grants against it in one step.
// The deposited amount must equal the grants' total; on any failure the
// deposit is not kept.
func (e *Engine) FundedIssue(ctx context.Context, amt amount.Amount, issuedAt int64, grants []GrantRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := amount.Zero()
	for _, req := range grants {
		total = total.Add(req.Amount)
	}
	if !total.Equal(amt) {
		return fmt.Errorf("%w: deposited %s, grants total %s", ErrAmountMismatch, amt, total)
	}

	e.spare = e.spare.Add(amt)
	if err := e.issueLocked(ctx, issuedAt, grants); err != nil {
		e.spare = e.spare.Sub(amt)
		return err
	}
	return nil
}

// ForceUnpause releases a stuck pause. Only the owner may call it; it is
// the recovery path when the external channel never delivers a
// reconciliation.
func (e *Engine) ForceUnpause(ctx context.Context, caller string) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gate.Unpause(ctx)
}

// GrantRole assigns a role. Owner only.
func (e *Engine) GrantRole(ctx context.Context, caller, principal string, role roles.Role) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	return e.roles.AddRole(ctx, principal, role)
}

// RevokeRole removes a role. Owner only.
func (e *Engine) RevokeRole(ctx context.Context, caller, principal string, role roles.Role) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	return e.roles.RemoveRole(ctx, principal, role)
}

// RoleMembers lists the principals holding a role.
func (e *Engine) RoleMembers(ctx context.Context, role roles.Role) ([]string, error) {
	return e.roles.MembersOf(ctx, role)
}

// declineLocked zeroes order amounts for each beneficiary, skipping grants
// whose orders are in flight: a later-failing transfer must still have an
// order balance to return its funds to.
func (e *Engine) declineLocked(beneficiaries []string) {
	for _, beneficiary := range beneficiaries {
		e.declineForLocked(beneficiary)
	}
}

func (e *Engine) declineForLocked(beneficiary string) {
	acct, ok := e.accounts[beneficiary]
	if !ok {
		return
	}
	pendingSet := e.pending.issuances(beneficiary)
	for issuedAt, g := range acct.Grants {
		if _, inFlight := pendingSet[issuedAt]; inFlight {
			continue
		}
		g.Order = amount.Zero()
	}
	log.Printf("settlement: declined orders for %s (skipped pending transfers)", beneficiary)
}

// rollbackLocked undoes the optimistic claim updates of a batch that never
// made it to the external channel.
func (e *Engine) rollbackLocked(keys []transfer.Key) {
	for _, key := range keys {
		amt, ok := e.pending.lookup(key.Beneficiary, key.IssuedAt)
		if !ok {
			continue
		}
		g := e.accounts[key.Beneficiary].Grants[key.IssuedAt]
		g.Claimed = g.Claimed.Sub(amt)
		g.Order = g.Order.Add(amt)
	}
	e.pending.clear()
}

func (e *Engine) requireRole(ctx context.Context, caller string, role roles.Role) error {
	ok, err := e.roles.HasRole(ctx, caller, role)
	if err != nil {
		return fmt.Errorf("failed to check role: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s requires %s", ErrNotAuthorized, caller, role)
	}
	return nil
}

func (e *Engine) requireOwner(caller string) error {
	if caller != e.owner {
		return fmt.Errorf("%w: %s is not the owner", ErrNotAuthorized, caller)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, subject string, data interface{}) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, subject, data); err != nil {
		log.Printf("settlement: failed to publish %s event: %v", subject, err)
	}
}

func (e *Engine) saveAccount(ctx context.Context, beneficiary string) {
	if e.snapshots == nil {
		return
	}
	acct, ok := e.accounts[beneficiary]
	if !ok {
		return
	}
	if err := e.snapshots.SaveAccount(ctx, beneficiary, *acct.Clone()); err != nil {
		log.Printf("settlement: failed to snapshot account %s: %v", beneficiary, err)
	}
}

func (e *Engine) saveSpare(ctx context.Context) {
	if e.snapshots == nil {
		return
	}
	if err := e.snapshots.SaveSpare(ctx, e.spare); err != nil {
		log.Printf("settlement: failed to snapshot spare balance: %v", err)
	}
}

func sortedIssuances(acct *grant.Account) []int64 {
	issuances := make([]int64, 0, len(acct.Grants))
	for issuedAt := range acct.Grants {
		issuances = append(issuances, issuedAt)
	}
	sort.Slice(issuances, func(i, j int) bool { return issuances[i] < issuances[j] })
	return issuances
}
