// Package logx is lmsbot's structured logging on top of zerolog.
//
// Console output is human readable with a short caller, the file sink
// writes JSON lines, and the optional operator sink mirrors WARN and above
// into a Telegram chat. Keys that look like credentials are redacted on
// every sink.
package logx
