package container

// Environment variables handed to the re-executed child. Descriptor values
// are the fd numbers in the child after ExtraFiles placement.
const (
	envInit          = "INIT"
	envNoPivot       = "NO_PIVOT"
	envCrfd          = "CRFD_FD"
	envCwfd          = "CWFD_FD"
	envClog          = "CLOG_FD"
	envFifo          = "FIFO_FD"
	envConsoleSocket = "CONSOLE_SOCKET_FD"
)

// initArg marks the re-executed bootstrap process.
const initArg = "init"
