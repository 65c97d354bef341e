package lsp

// Method identifies an inbound message this server knows how to route.
type Method int

const (
	MethodUnknown Method = iota
	MethodInitialize
	MethodInitialized
	MethodShutdown
	MethodExit
	MethodDidOpen
	MethodDidChange
	MethodDidSave
	MethodDidClose
	MethodCompletion
	MethodExecuteCommand
	MethodCancelRequest
	MethodSetTrace
)

var methodNames = map[Method]string{
	MethodInitialize:     "initialize",
	MethodInitialized:    "initialized",
	MethodShutdown:       "shutdown",
	MethodExit:           "exit",
	MethodDidOpen:        "textDocument/didOpen",
	MethodDidChange:      "textDocument/didChange",
	MethodDidSave:        "textDocument/didSave",
	MethodDidClose:       "textDocument/didClose",
	MethodCompletion:     "textDocument/completion",
	MethodExecuteCommand: "workspace/executeCommand",
	MethodCancelRequest:  "$/cancelRequest",
	MethodSetTrace:       "$/setTrace",
}

var methodsByName = func() map[string]Method {
	m := make(map[string]Method, len(methodNames))
	for k, v := range methodNames {
		m[v] = k
	}
	return m
}()

// ParseMethod maps a wire method name to its Method.
func ParseMethod(name string) (Method, bool) {
	m, ok := methodsByName[name]
	return m, ok
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return "unknown"
}

// Outbound method names.
const (
	methodLogMessage         = "window/logMessage"
	methodCustomNotification = "custom/notification"
	methodApplyEdit          = "workspace/applyEdit"
)
