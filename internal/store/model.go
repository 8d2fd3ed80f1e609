package store

// ExpectationType discriminates the two supported contract kinds.
type ExpectationType string

const (
	TypeSchedule  ExpectationType = "schedule"
	TypeAlertPath ExpectationType = "alert_path"
)

// ValidType reports whether t is a known expectation type.
func ValidType(t ExpectationType) bool {
	return t == TypeSchedule || t == TypeAlertPath
}

// ObservationKind is the primitive fact category of an observation.
type ObservationKind string

const (
	KindStart ObservationKind = "start"
	KindEnd   ObservationKind = "end"
	KindPing  ObservationKind = "ping"
	KindAck   ObservationKind = "ack"
)

// ValidKind reports whether k is a known observation kind.
func ValidKind(k ObservationKind) bool {
	switch k {
	case KindStart, KindEnd, KindPing, KindAck:
		return true
	}
	return false
}

// TrialStatus is the state of a synthetic alert trial.
type TrialStatus string

const (
	TrialPending TrialStatus = "pending"
	TrialAcked   TrialStatus = "acked"
	TrialExpired TrialStatus = "expired"
)

// Violation codes raised by the rule engine and checker.
const (
	CodeMissed  = "missed"
	CodeLongrun = "longrun"
	CodeOverlap = "overlap"
	CodeSpacing = "spacing"
	CodeNoAck   = "no_ack"
)

// Expectation is a declared contract over observable evidence.
type Expectation struct {
	ID                string
	Type              ExpectationType
	Name              string
	OwnerEmail        string
	ExpectedIntervalS int64
	ToleranceS        int64
	ParamsJSON        string
	Enabled           bool
	CreatedAt         int64
	UpdatedAt         int64
}

// Observation is a timestamped, append-only fact tied to one expectation.
// Seq is the monotonic insertion identifier.
type Observation struct {
	Seq           int64
	ExpectationID string
	Kind          ObservationKind
	ObservedAt    int64
	Meta          string
}

// Trial is one synthetic delivery attempt for an alert-path expectation.
// AckedAt is zero while unset.
type Trial struct {
	ID            string
	ExpectationID string
	SentAt        int64
	AckedAt       int64
	Status        TrialStatus
	MetaJSON      string
}

// Violation records that evidence contradicted an expectation.
// LastNotifiedAt is zero while unset.
type Violation struct {
	ID             int64
	ExpectationID  string
	DetectedAt     int64
	Code           string
	Message        string
	EvidenceJSON   string
	IsOpen         bool
	LastNotifiedAt int64
}

// CreateExpectationParams carries the fields of a new expectation.
type CreateExpectationParams struct {
	ID                string
	Type              ExpectationType
	Name              string
	OwnerEmail        string
	ExpectedIntervalS int64
	ToleranceS        int64
	ParamsJSON        string
}
