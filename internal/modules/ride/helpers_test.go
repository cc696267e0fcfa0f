// README: Shared fixtures for ride tests: store backends, fakes and a fixed clock.
package ride

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"ridehail/internal/config"
	"ridehail/internal/modules/negotiation"
	"ridehail/internal/types"
)

var (
	pickup      = types.Place{Point: types.Point{Lat: -15.3875, Lng: 28.3228}, Address: "Cairo Rd"}
	destination = types.Place{Point: types.Point{Lat: -15.4167, Lng: 28.2833}, Address: "Kabulonga"}
	t0          = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeDrivers struct {
	mu       sync.Mutex
	released []types.ID
}

func (f *fakeDrivers) ReleaseRide(_ context.Context, driverID, _ types.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, driverID)
	return nil
}

type fakeOffers struct {
	mu     sync.Mutex
	closed []types.ID
}

func (f *fakeOffers) OnRideClosed(_ context.Context, rideID types.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, rideID)
	return nil
}

type fixture struct {
	svc     *Service
	store   Store
	drivers *fakeDrivers
	offers  *fakeOffers
}

func newFixture(t *testing.T, store Store) *fixture {
	t.Helper()
	f := &fixture{store: store, drivers: &fakeDrivers{}, offers: &fakeOffers{}}
	c := &clock{now: t0}
	f.svc = NewService(Deps{
		Store:   store,
		Ledger:  negotiation.NewLedger(config.NegotiationConfig{}, quietLogger()),
		Drivers: f.drivers,
		Offers:  f.offers,
		Log:     quietLogger(),
	}, Options{Timeout: 2 * time.Second}).WithClock(c.Now)
	return f
}

func (f *fixture) create(t *testing.T, rider types.ID, est int64, offered *types.Money) *Ride {
	t.Helper()
	r, err := f.svc.Create(context.Background(), CreateCommand{
		RiderID:           rider,
		Pickup:            pickup,
		Destination:       destination,
		EstimatedFare:     types.MoneyPtr(types.NewMoney(est)),
		RiderOfferedPrice: offered,
		PaymentMethod:     "cash",
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return r
}

// stores returns every backend available in this environment.
func stores(t *testing.T) map[string]Store {
	out := map[string]Store{"memory": NewMemoryStore()}
	if s := setupPostgresStore(t); s != nil {
		out["postgres"] = s
	}
	if s := setupFirebaseStore(t); s != nil {
		out["firebase"] = s
	}
	return out
}

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("RIDEHAIL_TEST_DSN")
	if dsn == "" {
		return nil
	}
	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(db.Close)

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE TABLE ride_state_events, rides"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return NewPostgresStore(db)
}

// setupFirebaseStore needs the RTDB emulator (FIREBASE_DATABASE_EMULATOR_HOST).
func setupFirebaseStore(t *testing.T) *FirebaseStore {
	t.Helper()
	host := os.Getenv("FIREBASE_DATABASE_EMULATOR_HOST")
	if host == "" {
		return nil
	}
	ctx := context.Background()
	app, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID:   "ridehail-test",
		DatabaseURL: "http://" + host + "?ns=ridehail-test",
	})
	if err != nil {
		t.Fatalf("firebase app: %v", err)
	}
	client, err := app.Database(ctx)
	if err != nil {
		t.Fatalf("firebase database: %v", err)
	}
	for _, p := range []string{"rides", "riderActiveRide", "rideEvents"} {
		if err := client.NewRef(p).Delete(ctx); err != nil {
			t.Fatalf("reset %s: %v", p, err)
		}
	}
	return NewFirebaseStore(client)
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}
	for _, stmt := range splitSQL(stripSQLComments(string(content))) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if stmt := strings.TrimSpace(p); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
