package ir

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// IssuanceState is one recorded version of the issuance counter.
// Invariant: CumulativeSupply <= HardCap.
type IssuanceState struct {
	Version           int64     `json:"version"`
	Height            uint64    `json:"height"`
	CumulativeSupply  uint64    `json:"cumulative_supply"`
	HardCap           uint64    `json:"hard_cap"`
	InitialReward     uint64    `json:"initial_reward"`
	HalvingInterval   uint64    `json:"halving_interval"`
	AllocationPercent uint64    `json:"allocation_percent"`
	Seq               int64     `json:"seq"`
	RecordedAt        time.Time `json:"recorded_at"`
}

// Subject identifies a contributor within a period. At most one
// AcceptedFact exists per subject.
type Subject struct {
	ContributorID string `json:"contributor_id"`
	PeriodID      string `json:"period_id"`
}

// String returns "contributor@period".
func (s Subject) String() string {
	return s.ContributorID + "@" + s.PeriodID
}

// FactKey is the quorum key: each distinct points value for a subject
// collects attestations independently.
type FactKey struct {
	ContributorID string `json:"contributor_id"`
	PeriodID      string `json:"period_id"`
	Points        uint64 `json:"points"`
}

// Subject returns the contributor/period pair of the key.
func (k FactKey) Subject() Subject {
	return Subject{ContributorID: k.ContributorID, PeriodID: k.PeriodID}
}

// String returns "contributor@period:points".
func (k FactKey) String() string {
	return k.Subject().String() + ":" + strconv.FormatUint(k.Points, 10)
}

// Claim is a single attester's statement about a contributor's points.
// Claims are ephemeral: they are discarded once their key resolves.
type Claim struct {
	ID            string    `json:"id"`
	ContributorID string    `json:"contributor_id"`
	PeriodID      string    `json:"period_id"`
	Points        uint64    `json:"points"`
	AttesterID    string    `json:"attester_id"`
	ObservedAt    time.Time `json:"observed_at"`
	Seq           int64     `json:"seq"`
}

// Key returns the quorum key the claim counts towards.
func (c Claim) Key() FactKey {
	return FactKey{ContributorID: c.ContributorID, PeriodID: c.PeriodID, Points: c.Points}
}

// AcceptedFact is the single on-chain fact produced once a quorum of
// distinct attesters agreed on a key. Immutable once created.
type AcceptedFact struct {
	ID            string    `json:"id"`
	ContributorID string    `json:"contributor_id"`
	PeriodID      string    `json:"period_id"`
	Points        uint64    `json:"points"`
	Attesters     []string  `json:"quorum_attesters"`
	AcceptedAt    time.Time `json:"accepted_at"`
	Seq           int64     `json:"seq"`
}

// Key returns the quorum key the fact was accepted for.
func (f AcceptedFact) Key() FactKey {
	return FactKey{ContributorID: f.ContributorID, PeriodID: f.PeriodID, Points: f.Points}
}

// ClaimOutcome is the state of a quorum key as observed by a submitter.
type ClaimOutcome uint8

const (
	OutcomeCollecting ClaimOutcome = iota + 1
	OutcomeAccepted
	OutcomeExpired
	OutcomeRejected
)

func (o ClaimOutcome) String() string {
	switch o {
	case OutcomeCollecting:
		return "Collecting"
	case OutcomeAccepted:
		return "Accepted"
	case OutcomeExpired:
		return "Expired"
	case OutcomeRejected:
		return "Rejected"
	default:
		return fmt.Sprintf("ClaimOutcome(%d)", uint8(o))
	}
}

// SubmitResult is returned for every submitted claim.
type SubmitResult struct {
	Outcome ClaimOutcome  `json:"outcome"`
	Reason  ErrorCode     `json:"reason,omitempty"`
	Key     FactKey       `json:"key"`
	Count   int           `json:"count"`
	Fact    *AcceptedFact `json:"fact,omitempty"`
}

// Resolution is the terminal outcome of a quorum key.
type Resolution uint8

const (
	ResolutionAccepted Resolution = iota + 1
	ResolutionExpired
	// ResolutionSuperseded marks a competing key whose subject accepted a
	// different points value.
	ResolutionSuperseded
)

func (r Resolution) String() string {
	switch r {
	case ResolutionAccepted:
		return "accepted"
	case ResolutionExpired:
		return "expired"
	case ResolutionSuperseded:
		return "superseded"
	default:
		return fmt.Sprintf("resolution(%d)", uint8(r))
	}
}

// ParseResolution parses the stored form of a Resolution.
func ParseResolution(s string) (Resolution, error) {
	switch s {
	case "accepted":
		return ResolutionAccepted, nil
	case "expired":
		return ResolutionExpired, nil
	case "superseded":
		return ResolutionSuperseded, nil
	}
	return 0, fmt.Errorf("unknown resolution %q", s)
}

// KeyResolution records how a quorum key left the Collecting state.
// Conflicting is set on expiry when other points values competed for
// the same subject, so an unresolved disagreement is signalled rather
// than dropped.
type KeyResolution struct {
	Key         FactKey    `json:"key"`
	Resolution  Resolution `json:"resolution"`
	Conflicting bool       `json:"conflicting"`
	Attesters   int        `json:"attesters"`
	ResolvedAt  time.Time  `json:"resolved_at"`
	Seq         int64      `json:"seq"`
}

// PeriodStatus is the lifecycle of a reward period.
type PeriodStatus uint8

const (
	PeriodPending PeriodStatus = iota + 1
	PeriodSettled
)

func (s PeriodStatus) String() string {
	switch s {
	case PeriodPending:
		return "Pending"
	case PeriodSettled:
		return "Settled"
	default:
		return fmt.Sprintf("PeriodStatus(%d)", uint8(s))
	}
}

// ParsePeriodStatus parses the stored form of a PeriodStatus.
func ParsePeriodStatus(s string) (PeriodStatus, error) {
	switch s {
	case "Pending":
		return PeriodPending, nil
	case "Settled":
		return PeriodSettled, nil
	}
	return 0, fmt.Errorf("unknown period status %q", s)
}

// Payout is one contributor's share of a settled period.
type Payout struct {
	ContributorID string `json:"contributor_id"`
	Points        uint64 `json:"points"`
	Amount        uint64 `json:"amount"`
}

// RewardPeriod is one recorded version of a reward period. A period moves
// from Pending to Settled exactly once.
type RewardPeriod struct {
	PeriodID           string       `json:"period_id"`
	Version            int64        `json:"version"`
	Status             PeriodStatus `json:"status"`
	StartHeight        uint64       `json:"start_height"`
	EndHeight          uint64       `json:"end_height"`
	TotalAllocation    uint64       `json:"total_allocation"`
	TotalPoints        uint64       `json:"total_points"`
	UnallocatedSurplus uint64       `json:"unallocated_surplus"`
	Payouts            []Payout     `json:"payouts"`
	Seq                int64        `json:"seq"`
	RecordedAt         time.Time    `json:"recorded_at"`
}

// PayoutMap returns payouts keyed by contributor.
func (p RewardPeriod) PayoutMap() map[string]uint64 {
	m := make(map[string]uint64, len(p.Payouts))
	for _, po := range p.Payouts {
		m[po.ContributorID] = po.Amount
	}
	return m
}

// SettlementResult is returned by period settlement.
type SettlementResult struct {
	PeriodID           string   `json:"period_id"`
	Allocation         uint64   `json:"allocation"`
	TotalPoints        uint64   `json:"total_points"`
	Payouts            []Payout `json:"payouts"`
	UnallocatedSurplus uint64   `json:"unallocated_surplus"`
}

// Distributed returns the sum of all payouts.
func (r SettlementResult) Distributed() uint64 {
	var sum uint64
	for _, p := range r.Payouts {
		sum += p.Amount
	}
	return sum
}

// ResultOf derives the settlement result recorded on a Settled period.
func ResultOf(p RewardPeriod) SettlementResult {
	return SettlementResult{
		PeriodID:           p.PeriodID,
		Allocation:         p.TotalAllocation,
		TotalPoints:        p.TotalPoints,
		Payouts:            p.Payouts,
		UnallocatedSurplus: p.UnallocatedSurplus,
	}
}

// DeliveryStatus tracks an outbound instruction against executor acks.
type DeliveryStatus uint8

const (
	DeliveryDispatched DeliveryStatus = iota + 1
	DeliveryConfirmed
	DeliveryUnresolved
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliveryDispatched:
		return "dispatched"
	case DeliveryConfirmed:
		return "confirmed"
	case DeliveryUnresolved:
		return "unresolved"
	default:
		return fmt.Sprintf("delivery(%d)", uint8(s))
	}
}

// TransferStatus is the lifecycle of a bridge transfer.
type TransferStatus uint8

const (
	TransferPending TransferStatus = iota + 1
	TransferFeeApplied
	TransferAwaitingConfirmation
	TransferSettled
	TransferRejected
)

var transferStatusNames = map[TransferStatus]string{
	TransferPending:              "Pending",
	TransferFeeApplied:           "FeeApplied",
	TransferAwaitingConfirmation: "AwaitingConfirmation",
	TransferSettled:              "Settled",
	TransferRejected:             "Rejected",
}

func (s TransferStatus) String() string {
	if name, ok := transferStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TransferStatus(%d)", uint8(s))
}

// ParseTransferStatus parses the stored form of a TransferStatus.
func ParseTransferStatus(s string) (TransferStatus, error) {
	for status, name := range transferStatusNames {
		if name == s {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown transfer status %q", s)
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s TransferStatus) CanTransitionTo(next TransferStatus) bool {
	switch s {
	case TransferPending:
		return next == TransferFeeApplied || next == TransferRejected
	case TransferFeeApplied:
		return next == TransferAwaitingConfirmation
	case TransferAwaitingConfirmation:
		return next == TransferSettled
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s TransferStatus) Terminal() bool {
	return s == TransferSettled || s == TransferRejected
}

// BridgeTransfer is one recorded version of a cross-domain transfer.
// NetAmount, FeeAmount and the shares are fixed once FeeApplied is recorded.
type BridgeTransfer struct {
	TransferID            string         `json:"transfer_id"`
	Version               int64          `json:"version"`
	Status                TransferStatus `json:"status"`
	SourceDomain          string         `json:"source_domain"`
	DestDomain            string         `json:"dest_domain"`
	Sender                string         `json:"sender"`
	Recipient             string         `json:"recipient"`
	GrossAmount           uint64         `json:"gross_amount"`
	FeeRate               string         `json:"fee_rate"`
	TreasuryPercent       string         `json:"treasury_percent"`
	MinAmount             uint64         `json:"min_amount"`
	MaxAmount             uint64         `json:"max_amount,omitempty"`
	RequiredConfirmations uint32         `json:"required_confirmations"`
	ObservedConfirmations uint32         `json:"observed_confirmations"`
	FeeAmount             uint64         `json:"fee_amount"`
	NetAmount             uint64         `json:"net_amount"`
	TreasuryShare         uint64         `json:"treasury_share"`
	CommunityShare        uint64         `json:"community_share"`
	TreasuryBeneficiary   string         `json:"treasury_beneficiary"`
	CommunityBeneficiary  string         `json:"community_beneficiary"`
	RejectReason          ErrorCode      `json:"reject_reason,omitempty"`
	Seq                   int64          `json:"seq"`
	RecordedAt            time.Time      `json:"recorded_at"`
}

// InstructionKind names what an outbound instruction pays for.
type InstructionKind string

const (
	KindPayout       InstructionKind = "payout"
	KindRelease      InstructionKind = "release"
	KindFeeTreasury  InstructionKind = "fee_treasury"
	KindFeeCommunity InstructionKind = "fee_community"
)

// Valid reports whether k is one of the declared kinds.
func (k InstructionKind) Valid() bool {
	switch k {
	case KindPayout, KindRelease, KindFeeTreasury, KindFeeCommunity:
		return true
	}
	return false
}

// Instruction is an outbound transfer order for the external executor.
// Exactly one of TransferID or (ContributorID, PeriodID) is set.
type Instruction struct {
	ID            string          `json:"id"`
	Kind          InstructionKind `json:"kind"`
	TransferID    string          `json:"transfer_id,omitempty"`
	ContributorID string          `json:"contributor_id,omitempty"`
	PeriodID      string          `json:"period_id,omitempty"`
	Amount        uint64          `json:"amount"`
	Destination   string          `json:"destination"`
	Attempt       int             `json:"attempt"`
	Seq           int64           `json:"seq"`
}

// Ref returns the entity the instruction settles: the transfer id or
// "contributor@period".
func (in Instruction) Ref() string {
	if in.TransferID != "" {
		return in.TransferID
	}
	return Subject{ContributorID: in.ContributorID, PeriodID: in.PeriodID}.String()
}

// Ack is the executor's asynchronous acknowledgment of an instruction.
type Ack struct {
	InstructionID string    `json:"instruction_id"`
	OK            bool      `json:"ok"`
	Reason        string    `json:"reason,omitempty"`
	Seq           int64     `json:"seq"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Delivery is the latest known state of an instruction.
type Delivery struct {
	Instruction Instruction    `json:"instruction"`
	Status      DeliveryStatus `json:"status"`
	Reason      string         `json:"reason,omitempty"`
}

// MarshalText encodes statuses by name so JSON output stays readable.
func (o ClaimOutcome) MarshalText() ([]byte, error)   { return []byte(o.String()), nil }
func (r Resolution) MarshalText() ([]byte, error)     { return []byte(r.String()), nil }
func (s PeriodStatus) MarshalText() ([]byte, error)   { return []byte(s.String()), nil }
func (s DeliveryStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
func (s TransferStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// SortedStrings returns a sorted copy of ss.
func SortedStrings(ss []string) []string {
	out := make([]string, len(ss))
	copy(out, ss)
	sort.Strings(out)
	return out
}
