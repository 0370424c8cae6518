package concurrency

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// logf wraps the package-wide pingcap/log logger so call sites read like
// the rest of the corpus (log.Info/log.Warn/log.Debug with structured
// zap.Field arguments) without every file importing zap directly for the
// handful of fields it actually attaches.
var (
	fTxn = func(id TxnID) zap.Field { return zap.Uint64("txn", uint64(id)) }
	fKey = func(k []byte) zap.Field { return zap.Binary("key", k) }
	fCF  = func(cf CFID) zap.Field { return zap.Uint32("cf", uint32(cf)) }
)

func logLockTimeout(id TxnID, cf CFID, key []byte) {
	log.Warn("lock acquisition timed out", fTxn(id), fCF(cf), fKey(key))
}

func logLockBusy(id TxnID, cf CFID, key []byte) {
	log.Warn("lock acquisition failed fast", fTxn(id), fCF(cf), fKey(key))
}

func logDependencyTimeout(id TxnID, dep TxnID) {
	log.Warn("dependency wait timed out", fTxn(id), zap.Uint64("dep", uint64(dep)))
}

func logValidationFailed(id TxnID, cf CFID, key []byte) {
	log.Warn("OCC validation failed", fTxn(id), fCF(cf), fKey(key))
}

func logCommit(id TxnID, seq uint64) {
	log.Debug("transaction committed", fTxn(id), zap.Uint64("commit_seq", seq))
}

func logAbort(id TxnID, cause error) {
	log.Debug("transaction rolled back", fTxn(id), zap.Error(cause))
}
