package pool

// debugPortBase is the first port handed to Options.OnCreateWorker,
// matching the original implementation's inspector-port convention. Ports
// are not actually bound or reserved by this module; they are only
// allocated to give a caller's debugger hook a stable number per worker.
const debugPortBase = 9229
