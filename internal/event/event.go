package event

// Kind names an event variant. The string values double as wire names for
// SSE streams and history records.
type Kind string

const (
	KindStart       Kind = "start"
	KindClose       Kind = "close"
	KindError       Kind = "error"
	KindOutput      Kind = "output"
	KindPlayerJoin  Kind = "playerJoin"
	KindPlayerLeave Kind = "playerLeave"
	KindCommand     Kind = "command"
)

// Event is the closed set of notifications a supervisor publishes.
// Only types in this package implement it.
type Event interface {
	ServerName() string
	Kind() Kind
	sealed()
}

// Start is published once a server process has been spawned. Run numbers
// the spawns of one server starting at 1.
type Start struct {
	Server string `json:"server"`
	Run    uint64 `json:"run"`
}

// Close is published when the process exits. ExitCode is -1 when the
// process was terminated by a signal.
//
// Run matches the Start of the process that exited. A killed run can be
// reaped after its replacement has started, so a Close may follow a newer
// Start; compare Run before treating a Close as the end of the current run.
type Close struct {
	Server   string `json:"server"`
	Run      uint64 `json:"run"`
	ExitCode int    `json:"exit_code"`
}

type Error struct {
	Server  string `json:"server"`
	Message string `json:"message"`
}

// Output carries a raw console chunk exactly as read from the process.
type Output struct {
	Server string `json:"server"`
	Stream string `json:"stream"` // stdout or stderr
	Chunk  string `json:"chunk"`
}

type PlayerJoin struct {
	Server string `json:"server"`
	Player string `json:"player"`
}

type PlayerLeave struct {
	Server string `json:"server"`
	Player string `json:"player"`
}

// Command is published for every console command submitted, whether or
// not it reached the process.
type Command struct {
	Server string `json:"server"`
	Text   string `json:"text"`
}

func (e Start) ServerName() string       { return e.Server }
func (e Close) ServerName() string       { return e.Server }
func (e Error) ServerName() string       { return e.Server }
func (e Output) ServerName() string      { return e.Server }
func (e PlayerJoin) ServerName() string  { return e.Server }
func (e PlayerLeave) ServerName() string { return e.Server }
func (e Command) ServerName() string     { return e.Server }

func (Start) Kind() Kind       { return KindStart }
func (Close) Kind() Kind       { return KindClose }
func (Error) Kind() Kind       { return KindError }
func (Output) Kind() Kind      { return KindOutput }
func (PlayerJoin) Kind() Kind  { return KindPlayerJoin }
func (PlayerLeave) Kind() Kind { return KindPlayerLeave }
func (Command) Kind() Kind     { return KindCommand }

func (Start) sealed()       {}
func (Close) sealed()       {}
func (Error) sealed()       {}
func (Output) sealed()      {}
func (PlayerJoin) sealed()  {}
func (PlayerLeave) sealed() {}
func (Command) sealed()     {}

// Publisher is what producers need from a bus.
type Publisher interface {
	Publish(e Event)
}

// Discard drops every event. Useful when no bus is wired.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
