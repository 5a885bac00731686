package database

import "context"

type contextKey string

// TxKey is the context key for the transaction a call chain is running in.
const TxKey contextKey = "tx"

// TxFromContext returns the transaction stored by WithTx, if any.
func TxFromContext(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(TxKey).(*Tx)
	return tx, ok && tx != nil
}

// WithTx stores tx in ctx so nested operations join it instead of opening
// their own transaction.
func WithTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, TxKey, tx)
}
