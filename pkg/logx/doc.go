// Package logx is fwdbot's structured logging.
//
// Logger wraps zerolog with a short file:line caller and typed field helpers
// (Tenant, Chat, Err ...). Loggers handed out by a Service pick up every later
// Service.Apply, so config reloads never need to rebuild component loggers.
package logx
