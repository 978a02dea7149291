package protocol

// Version is the envelope format version. Both sides of one deployed pair must agree on it.
const Version = 1

// Kind discriminates the payload carried by an Envelope.
type Kind string

const (
	KindHandshake Kind = "handshake"
	KindLog       Kind = "log"
	KindProgress  Kind = "progress"
	KindDone      Kind = "done"
	KindError     Kind = "error"
)

func (k Kind) Valid() bool {
	switch k {
	case KindHandshake, KindLog, KindProgress, KindDone, KindError:
		return true
	}
	return false
}

// Phase tags which stage of the image write a ProgressState describes.
type Phase string

const (
	PhaseWriting    Phase = "writing"
	PhaseValidating Phase = "validating"
	PhaseUnmounting Phase = "unmounting"
)

// Envelope is one message on the channel.
// Seq is assigned by the sending connection and increases by one per envelope, starting at 1.
type Envelope struct {
	Version int    `json:"version"`
	Kind    Kind   `json:"kind"`
	Seq     uint64 `json:"seq"`

	Handshake *Handshake     `json:"handshake,omitempty"`
	Log       *Log           `json:"log,omitempty"`
	Progress  *ProgressState `json:"progress,omitempty"`
	Done      *Result        `json:"done,omitempty"`
	Error     *TaskError     `json:"error,omitempty"`
}

// Handshake is the first envelope a worker sends after connecting.
type Handshake struct {
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId"`
	PID       int    `json:"pid"`
}

type Log struct {
	Message string `json:"message"`
}

// ProgressState is a progress tick from the task.
// Percent is the completion of Phase alone and never decreases within it. It starts over in each phase,
// so writing 100 followed by validating 0 is not a regression.
type ProgressState struct {
	Phase        Phase   `json:"phase"`
	Percent      float64 `json:"percent"`
	BytesWritten uint64  `json:"bytesWritten,omitempty"`
	TotalBytes   uint64  `json:"totalBytes,omitempty"`

	// Speed is the throughput in bytes per second, if known.
	Speed *float64 `json:"speed,omitempty"`
	// ETA is the estimated number of seconds remaining in the phase, if known.
	ETA *float64 `json:"eta,omitempty"`
}

// Result is the terminal success payload produced by the task.
type Result struct {
	BytesWritten uint64 `json:"bytesWritten"`
	Checksum     string `json:"checksum,omitempty"`
	Validated    bool   `json:"validated,omitempty"`
	Unmounted    bool   `json:"unmounted,omitempty"`
}

func NewHandshake(h Handshake) Envelope {
	return Envelope{Version: Version, Kind: KindHandshake, Handshake: &h}
}

func NewLog(msg string) Envelope {
	return Envelope{Version: Version, Kind: KindLog, Log: &Log{Message: msg}}
}

func NewProgress(p ProgressState) Envelope {
	return Envelope{Version: Version, Kind: KindProgress, Progress: &p}
}

func NewDone(r Result) Envelope {
	return Envelope{Version: Version, Kind: KindDone, Done: &r}
}

func NewError(e TaskError) Envelope {
	return Envelope{Version: Version, Kind: KindError, Error: &e}
}

// Terminal reports whether e ends the session.
func (e Envelope) Terminal() bool {
	return e.Kind == KindDone || e.Kind == KindError
}

// Validate checks that e is well formed for its kind.
func (e Envelope) Validate() error {
	if e.Version != Version {
		return newError("validate", ErrVersion, "got version %d, want %d", e.Version, Version)
	}
	if !e.Kind.Valid() {
		return newError("validate", ErrUnknownKind, "kind %q", e.Kind)
	}

	set := 0
	for _, present := range []bool{e.Handshake != nil, e.Log != nil, e.Progress != nil, e.Done != nil, e.Error != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return newError("validate", ErrPayload, "%s envelope carries %d payloads", e.Kind, set)
	}

	switch e.Kind {
	case KindHandshake:
		if e.Handshake == nil {
			return newError("validate", ErrPayload, "missing handshake payload")
		}
		if e.Handshake.ChannelID == "" {
			return newError("validate", ErrMalformed, "handshake without channel ID")
		}
	case KindLog:
		if e.Log == nil {
			return newError("validate", ErrPayload, "missing log payload")
		}
	case KindProgress:
		if e.Progress == nil {
			return newError("validate", ErrPayload, "missing progress payload")
		}
		if e.Progress.Phase == "" {
			return newError("validate", ErrMalformed, "progress without phase")
		}
		if e.Progress.Percent < 0 || e.Progress.Percent > 100 {
			return newError("validate", ErrMalformed, "progress percent %v out of range", e.Progress.Percent)
		}
	case KindDone:
		if e.Done == nil {
			return newError("validate", ErrPayload, "missing done payload")
		}
	case KindError:
		if e.Error == nil {
			return newError("validate", ErrPayload, "missing error payload")
		}
		if e.Error.Message == "" {
			return newError("validate", ErrMalformed, "error without message")
		}
	}
	return nil
}
