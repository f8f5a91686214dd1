package build

// LogLevel specifies the level of the loggers created for unit tests when
// built with the stdlog tag.
const LogLevel = "debug"
