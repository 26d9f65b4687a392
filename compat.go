package mdb

// TxnOp is a function that operates on a transaction.
// This is the callback type for View, Update, and RunTxn.
type TxnOp func(txn *Txn) error

// View runs fn in a read-only transaction.
func (e *Env) View(fn TxnOp) error {
	return e.RunTxn(TxnReadOnly, fn)
}

// Update runs fn in a write transaction, committing when fn returns nil
// and aborting otherwise.
func (e *Env) Update(fn TxnOp) error {
	return e.RunTxn(TxnReadWrite, fn)
}

// RunTxn runs fn in a transaction with the given flags. A panic in fn
// aborts the transaction before propagating.
func (e *Env) RunTxn(flags uint, fn TxnOp) error {
	txn, err := e.BeginTxn(nil, flags)
	if err != nil {
		return err
	}
	defer txn.Abort()
	if err := fn(txn); err != nil {
		return err
	}
	_, err = txn.Commit()
	return err
}

// RunOp runs fn in txn. With terminate the transaction is committed when
// fn succeeds and aborted when it fails.
func (txn *Txn) RunOp(fn TxnOp, terminate bool) error {
	err := fn(txn)
	if !terminate {
		return err
	}
	if err != nil {
		txn.Abort()
		return err
	}
	_, err = txn.Commit()
	return err
}
