package txn

// deniedCommands may never run inside a multi-document transaction. DDL and
// administrative commands take locks or write metadata outside the
// transaction's storage snapshot.
var deniedCommands = map[string]struct{}{
	"createIndexes": {},
	"drop":          {},
	"dropDatabase":  {},
	"dropIndexes":   {},
	"renameTo":      {},
	"mapReduce":     {},
	"createUser":    {},
	"dropUser":      {},
	"shutdown":      {},
	"killSessions":  {},
}

// transactionControlCommands are the admin commands that drive the commit
// protocol itself; they are always allowed against an open transaction.
var transactionControlCommands = map[string]struct{}{
	"commitTransaction":           {},
	"abortTransaction":            {},
	"prepareTransaction":          {},
	"coordinateCommitTransaction": {},
	"voteCommitTransaction":       {},
	"voteAbortTransaction":        {},
}

// IsValidCommand reports whether a command may run as a statement of a
// multi-document transaction. The local and config databases hold
// node-private and routing metadata and are excluded entirely; the admin
// database only accepts the commit-protocol commands.
func IsValidCommand(dbName, commandName string) error {
	if _, ok := transactionControlCommands[commandName]; ok {
		return nil
	}
	switch dbName {
	case "local", "config":
		return &ErrCommandNotAllowed{DB: dbName, Command: commandName}
	case "admin":
		return &ErrCommandNotAllowed{DB: dbName, Command: commandName}
	}
	if _, ok := deniedCommands[commandName]; ok {
		return &ErrCommandNotAllowed{DB: dbName, Command: commandName}
	}
	return nil
}
