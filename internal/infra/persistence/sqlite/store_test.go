package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"exprcore/pkg/domain"
)

func TestSQLiteStorePersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	var adID string
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		tx.SetPerformer("loader")
		ad, e := tx.CreateArrayDesign(domain.ArrayDesign{ShortName: "GPL570", Technology: domain.TechnologyOneColor})
		if e != nil {
			return e
		}
		adID = ad.ID
		_, e = tx.CreateExperiment(domain.ExpressionExperiment{ShortName: "GSE2034", ArrayDesignIDs: []string{ad.ID}})
		return e
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	if reloaded.Path() != path {
		t.Fatalf("unexpected path %q", reloaded.Path())
	}
	err = reloaded.View(context.Background(), func(v domain.TransactionView) error {
		if _, ok := v.FindArrayDesign(adID); !ok {
			t.Fatalf("expected array design reloaded")
		}
		ee, ok := v.FindExperimentByShortName("GSE2034")
		if !ok || len(ee.ArrayDesignIDs) != 1 {
			t.Fatalf("expected experiment reloaded, got %+v", ee)
		}
		events := v.ListAuditEvents(domain.EntityArrayDesign, adID)
		if len(events) != 1 || events[0].Performer != "loader" {
			t.Fatalf("expected audit trail reloaded, got %+v", events)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestSQLiteStoreWritesEveryBucket(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateProtocol(domain.Protocol{Name: "TRIzol extraction"})
		return e
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM state`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 8 {
		t.Fatalf("expected 8 buckets, got %d", n)
	}
}

func TestSQLiteStoreFailedTransactionSkipsPersist(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateGene(domain.Gene{})
		return e
	}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM state`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no snapshot rows, got %d", n)
	}
}

func TestSQLiteStoreWithdrawsUnpersistedChange(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateProtocol(domain.Protocol{Name: "RMA"})
		return e
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateProtocol(domain.Protocol{Name: "MAS5"})
		return e
	}); err == nil {
		t.Fatalf("expected persisting to a closed database to fail")
	}
	err = store.View(context.Background(), func(v domain.TransactionView) error {
		protocols := v.ListProtocols()
		if len(protocols) != 1 || protocols[0].Name != "RMA" {
			t.Fatalf("expected only the persisted protocol, got %+v", protocols)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
