// Package commands defines the sessionctl CLI, an operator tool that drives
// the session ledger directly against a local file store.
//
// Commands
//
//   - open     Open a session for a market with a deposit
//   - trade    Place an off-chain trade on an open session
//   - close    Close a session and print its settlement record
//   - settle   Mark a closed session as settled
//   - get      Print one session
//   - list     List sessions by market or status
//   - clear    Delete every session
//
// # Implementation
//
// The root command opens the file store (encrypted when --passphrase is set)
// and builds a session manager before any subcommand runs. Every command
// prints JSON on stdout.
package commands
