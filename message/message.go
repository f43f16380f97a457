package message

// Kind names one of the three wire message types.
type Kind int

const (
	KindCommand Kind = iota + 1
	KindResponse
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Status codes used when a handler does not pick one.
const (
	StatusOK                  = 200
	StatusInternalServerError = 500
)

// Message is implemented by Command, Response and Event.
type Message interface {
	Kind() Kind
}

// Command is an RPC request addressed to a path on a named service.
// Query and Headers may be nil.
type Command struct {
	Path    string
	Query   map[string]any
	Body    map[string]any
	Headers map[string]any
}

// Response answers a Command. StatusCode defaults to StatusOK via NewResponse.
type Response struct {
	Path       string
	Body       map[string]any
	StatusCode int
	Headers    map[string]any
}

// Event is a fire-and-forget notification published on a path.
type Event struct {
	Path    string
	Body    any
	Headers map[string]any
}

func (Command) Kind() Kind  { return KindCommand }
func (Response) Kind() Kind { return KindResponse }
func (Event) Kind() Kind    { return KindEvent }

// NewResponse builds a Response with StatusOK and no headers.
func NewResponse(path string, body map[string]any) *Response {
	return &Response{Path: path, Body: body, StatusCode: StatusOK}
}

// requiredFields lists, in check order, the wire fields each kind must carry.
var requiredFields = map[Kind][]string{
	KindCommand:  {fieldPath, fieldQuery, fieldBody, fieldHeaders},
	KindResponse: {fieldPath, fieldBody, fieldStatusCode, fieldHeaders},
	KindEvent:    {fieldPath, fieldBody, fieldHeaders},
}

const (
	fieldPath       = "path"
	fieldQuery      = "query"
	fieldBody       = "body"
	fieldStatusCode = "status_code"
	fieldHeaders    = "headers"
)

// RequiredFields returns the wire fields that must be present when decoding kind.
func RequiredFields(kind Kind) []string {
	return append([]string(nil), requiredFields[kind]...)
}
