package db

import (
	"context"
	"testing"
)

func TestTxFromContext_Empty(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Errorf("expected nil tx, got %v", tx)
	}
}

func TestConnFromContext_Empty(t *testing.T) {
	if conn := ConnFromContext(context.Background()); conn != nil {
		t.Errorf("expected nil conn, got %v", conn)
	}
}

func TestWithTx_NilTxIsIgnored(t *testing.T) {
	ctx := WithTx(context.Background(), nil)
	if tx := TxFromContext(ctx); tx != nil {
		t.Errorf("expected nil tx, got %v", tx)
	}
}
