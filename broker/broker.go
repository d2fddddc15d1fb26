package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"time"
)

// Topic control and update errors. The broker reports creation failures with
// these sentinels so callers can classify them with errors.Is.
var (
	ErrInvalidTopicPath          = errors.New("broker: invalid topic path")
	ErrIncompatibleExistingTopic = errors.New("broker: incompatible topic exists")
	ErrTopicLicenseLimit         = errors.New("broker: topic license limit exceeded")
	ErrInvalidTopicSpecification = errors.New("broker: invalid topic specification")
	ErrTopicNotFound             = errors.New("broker: topic not found")
	ErrNotActive                 = errors.New("broker: update source is not active")
	ErrInvalidValue              = errors.New("broker: value does not match topic type")
	ErrSessionClosed             = errors.New("broker: session closed")
	ErrSessionRecovering         = errors.New("broker: session recovering")
)

// State is the state of a broker session.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateRecovering
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateRecovering:
		return "RECOVERING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// IsConnected reports whether the session can exchange messages.
func (s State) IsConnected() bool { return s == StateConnected }

// IsRecovering reports whether the session is trying to reconnect.
func (s State) IsRecovering() bool { return s == StateRecovering }

// IsClosed reports whether the session is closed for good.
func (s State) IsClosed() bool { return s == StateClosed }

// TopicType is the value type a topic holds.
type TopicType string

const (
	TopicTypeJSON   TopicType = "JSON"
	TopicTypeString TopicType = "STRING"
	TopicTypeBinary TopicType = "BINARY"
)

// PropertyRemoval is the topic property holding a removal policy, e.g.
//
//	when no session has "$Principal is 'adapter'" for 1m
const PropertyRemoval = "REMOVAL"

// TopicSpec describes a topic to create.
type TopicSpec struct {
	Type       TopicType
	Properties map[string]string
}

// AddResult is the successful outcome of [TopicControl.AddTopic].
type AddResult int

const (
	// AddCreated means the topic was created by this request.
	AddCreated AddResult = iota
	// AddExists means a compatible topic already existed.
	AddExists
)

// StateListener is notified of session state transitions.
type StateListener func(session Session, oldState, newState State)

// Options configures a session opened through a [Connector].
type Options struct {
	Host                string
	Port                int
	Secure              bool
	Principal           string
	Password            string
	ConnectionTimeout   time.Duration
	ReconnectionTimeout time.Duration
	TLS                 *tls.Config

	// OnStateChange receives every state transition of the session,
	// in order, on a goroutine owned by the broker.
	OnStateChange StateListener

	// OnLost is called once if the session is closed by anything other
	// than its own Close method.
	OnLost func(session Session)
}

// Connector opens broker sessions.
type Connector interface {
	Open(ctx context.Context, opts Options) (Session, error)
}

// Session is an open broker session.
type Session interface {
	ID() string
	Principal() string
	State() State
	Close() error
	TopicControl() TopicControl
	UpdateControl() UpdateControl
}

// TopicControl creates and removes topics.
type TopicControl interface {
	// AddTopic creates a topic at path. An existing topic of the same type
	// yields AddExists; failures wrap one of the Err* sentinels.
	AddTopic(ctx context.Context, path string, spec TopicSpec) (AddResult, error)

	// RemoveTopics removes the topic at selector. A selector ending in "//"
	// also removes every descendant. It returns the number of topics removed.
	RemoveTopics(ctx context.Context, selector string) (int, error)
}

// UpdateControl registers update sources.
type UpdateControl interface {
	// RegisterUpdateSource registers a source for the topic subtree at path.
	// Handlers are invoked asynchronously on a broker goroutine.
	RegisterUpdateSource(path string, handlers UpdateSourceHandlers) error
}

// UpdateSourceHandlers receives update source lifecycle notifications. Nil
// handlers are skipped.
type UpdateSourceHandlers struct {
	OnRegistered func(path string, registration Registration)
	OnActive     func(path string, updater Updater)
	OnStandby    func(path string)
	OnClose      func(path string)
	OnError      func(path string, err error)
}

// Registration is a registered update source.
type Registration interface {
	// Close deregisters the source. OnClose follows asynchronously.
	Close() error
}

// Updater sets topic values on behalf of an active update source.
type Updater interface {
	Set(ctx context.Context, path string, value []byte) error
}

// TopicSnapshot is the observable state of one topic.
type TopicSnapshot struct {
	Path      string    `json:"path"`
	Type      TopicType `json:"type"`
	Value     []byte    `json:"value"`
	Updates   int64     `json:"updates"`
	UpdatedAt time.Time `json:"updated_at"`
}
