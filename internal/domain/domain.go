package domain

// Status sets are closed; values outside the constants below never reach the
// store. Transition legality lives in the engine next to the mutations.

type DealStatus string

const (
	DealDraft     DealStatus = "draft"
	DealActive    DealStatus = "active"
	DealCompleted DealStatus = "completed"
	DealCancelled DealStatus = "cancelled"
	DealExpired   DealStatus = "expired"
)

type DealVisibility string

const (
	DealVisible DealVisibility = "visible"
	DealHidden  DealVisibility = "hidden"
)

type PaymentModel string

const (
	PayImmediate PaymentModel = "immediate"
	PayFeeFirst  PaymentModel = "fee_first"
)

type ApplicationStatus string

const (
	AppApplied     ApplicationStatus = "applied"
	AppShortlisted ApplicationStatus = "shortlisted"
	AppSelected    ApplicationStatus = "selected"
	AppRejected    ApplicationStatus = "rejected"
	AppWithdrawn   ApplicationStatus = "withdrawn"
	AppCancelled   ApplicationStatus = "cancelled"
)

// Active reports whether the application still counts toward the
// one-active-application-per-(deal,operator) rule.
func (s ApplicationStatus) Active() bool {
	switch s {
	case AppApplied, AppShortlisted, AppSelected:
		return true
	}
	return false
}

type MissionStatus string

const (
	MissionAccepted        MissionStatus = "accepted"
	MissionSubmitted       MissionStatus = "submitted"
	MissionVerified        MissionStatus = "verified"
	MissionApproved        MissionStatus = "approved"
	MissionAddressUnlocked MissionStatus = "address_unlocked"
	MissionPaid            MissionStatus = "paid"
	MissionPaidComplete    MissionStatus = "paid_complete"
	MissionRejected        MissionStatus = "rejected"
	MissionExpired         MissionStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s MissionStatus) Terminal() bool {
	switch s {
	case MissionPaid, MissionPaidComplete, MissionRejected, MissionExpired:
		return true
	}
	return false
}

type PaymentType string

const (
	PaymentAUF    PaymentType = "auf"
	PaymentPayout PaymentType = "payout"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
)

type TrustLevel string

const (
	TrustSuspended TrustLevel = "suspended"
	TrustWarning   TrustLevel = "warning"
	TrustExcellent TrustLevel = "excellent"
	TrustGood      TrustLevel = "good"
	TrustNew       TrustLevel = "new"
)

// Requirements are the mechanical submission checks attached to a deal.
type Requirements struct {
	DisclosureTag string   `json:"disclosure_tag,omitempty"`
	RequiredLink  string   `json:"required_link,omitempty"`
	Hashtags      []string `json:"hashtags,omitempty"`
}

type Deal struct {
	ID                string         `json:"id"`
	AgentID           string         `json:"agent_id"`
	Title             string         `json:"title"`
	Description       string         `json:"description,omitempty"`
	RewardCents       int64          `json:"reward_cents"`
	FeePercent        int            `json:"fee_percent"`
	PaymentModel      PaymentModel   `json:"payment_model" enum:"immediate,fee_first"`
	SlotsTotal        int            `json:"slots_total"`
	SlotsSelected     int            `json:"slots_selected"`
	ApplicationsCount int            `json:"applications_count"`
	Status            DealStatus     `json:"status" enum:"draft,active,completed,cancelled,expired"`
	Visibility        DealVisibility `json:"visibility" enum:"visible,hidden"`
	Requirements      Requirements   `json:"requirements"`
	ExpiresAt         *string        `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
}

type Application struct {
	ID            string            `json:"id"`
	DealID        string            `json:"deal_id"`
	OperatorID    string            `json:"operator_id"`
	Status        ApplicationStatus `json:"status" enum:"applied,shortlisted,selected,rejected,withdrawn,cancelled"`
	Message       string            `json:"message,omitempty"`
	AppliedAt     string            `json:"applied_at" format:"date-time"`
	DecidedAt     *string           `json:"decided_at,omitempty" format:"date-time"`
	CooldownUntil *string           `json:"cooldown_until,omitempty" format:"date-time"`
	UpdatedAt     string            `json:"updated_at" format:"date-time"`
}

type Mission struct {
	ID                 string        `json:"id"`
	DealID             string        `json:"deal_id"`
	OperatorID         string        `json:"operator_id"`
	Status             MissionStatus `json:"status" enum:"accepted,submitted,verified,approved,address_unlocked,paid,paid_complete,rejected,expired"`
	SubmissionURL      *string       `json:"submission_url,omitempty"`
	VerificationDetail *string       `json:"verification_detail,omitempty"`
	SubmittedAt        *string       `json:"submitted_at,omitempty" format:"date-time"`
	VerifiedAt         *string       `json:"verified_at,omitempty" format:"date-time"`
	ApprovedAt         *string       `json:"approved_at,omitempty" format:"date-time"`
	PayoutDeadlineAt   *string       `json:"payout_deadline_at,omitempty" format:"date-time"`
	PaidAt             *string       `json:"paid_at,omitempty" format:"date-time"`
	CreatedAt          string        `json:"created_at" format:"date-time"`
	UpdatedAt          string        `json:"updated_at" format:"date-time"`
}

type Payment struct {
	ID          string        `json:"id"`
	MissionID   string        `json:"mission_id"`
	Type        PaymentType   `json:"type" enum:"auf,payout"`
	AmountCents int64         `json:"amount_cents"`
	Chain       string        `json:"chain,omitempty"`
	Token       string        `json:"token,omitempty"`
	Address     string        `json:"address,omitempty"`
	Status      PaymentStatus `json:"status" enum:"pending,confirmed"`
	DeadlineAt  *string       `json:"deadline_at,omitempty" format:"date-time"`
	TxHash      *string       `json:"tx_hash,omitempty"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	ConfirmedAt *string       `json:"confirmed_at,omitempty" format:"date-time"`
}

type Agent struct {
	ID                string  `json:"id"`
	Name              string  `json:"name,omitempty"`
	PaidCount         int     `json:"paid_count"`
	OverdueCount      int     `json:"overdue_count"`
	AvgPayTimeSeconds float64 `json:"avg_pay_time_seconds"`
	Suspended         bool    `json:"suspended"`
	SuspendedUntil    *string `json:"suspended_until,omitempty" format:"date-time"`
	LastOverdueAt     *string `json:"last_overdue_at,omitempty" format:"date-time"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

type Operator struct {
	ID             string  `json:"id"`
	Name           string  `json:"name,omitempty"`
	EVMAddress     *string `json:"evm_address,omitempty"`
	SolanaAddress  *string `json:"solana_address,omitempty"`
	CancelledCount int     `json:"cancelled_count"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type Notification struct {
	ID            int64  `json:"id"`
	RecipientID   string `json:"recipient_id"`
	Type          string `json:"type"`
	Title         string `json:"title"`
	Body          string `json:"body,omitempty"`
	ReferenceType string `json:"reference_type,omitempty"`
	ReferenceID   string `json:"reference_id,omitempty"`
	MetadataJSON  string `json:"metadata_json,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID          string `json:"id"`
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role" enum:"agent,operator"`
	Name        string `json:"name,omitempty"`
	KeyHash     string `json:"key_hash"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}
