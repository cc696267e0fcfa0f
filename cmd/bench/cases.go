// README: Scenario cases for the ridehail API; includes env, dispatch, accept race, lifecycle, and throughput checks.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	run     string
	drivers []string
	// filled in by the dispatch cases and read by the ones that follow
	rideID string
	winner string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

type apiResponse struct {
	Status  int
	Body    map[string]any
	Latency time.Duration
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		run:   uuid.NewString()[:8],
	}
}

// RunAll runs every case in order. Cases after the overall deadline are
// reported as skipped rather than run against a cancelled context.
func (r *Runner) RunAll(ctx context.Context) []Result {
	r.connect(ctx)
	defer r.close()

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		var res Result
		if ctx.Err() != nil {
			res = Result{Status: StatusSkip, Note: "deadline reached"}
		} else {
			res = tc.Run(ctx, r)
		}
		res.Name = tc.Name
		fmt.Println(res)
		results = append(results, res)
	}
	return results
}

// connect opens the optional backends; a nil handle makes its cases skip.
func (r *Runner) connect(ctx context.Context) {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}
}

func (r *Runner) close() {
	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
}

func (res Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-5s %s", res.Status, res.Name)
	if res.Latency > 0 {
		fmt.Fprintf(&b, " (%s)", res.Latency.Round(time.Microsecond))
	}
	if res.Note != "" {
		b.WriteString(" - ")
		b.WriteString(res.Note)
	}
	return b.String()
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkPostgres},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: checkTables},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			return expectStatus(r.call(ctx, http.MethodGet, "/health", nil), http.StatusOK)
		}},

		{Name: "Drivers: register fleet near pickup", Run: registerDrivers},
		{Name: "Matching: candidates cover fleet", Run: checkCandidates},

		{Name: "Ride: missing rider -> 400", Run: func(ctx context.Context, r *Runner) Result {
			return expectStatus(r.call(ctx, http.MethodPost, "/api/rides", map[string]any{}), http.StatusBadRequest)
		}},
		{Name: "Ride: request ride broadcasts offers", Run: requestRide},
		{Name: "Ride: second active ride -> 409", Run: func(ctx context.Context, r *Runner) Result {
			return expectStatus(r.call(ctx, http.MethodPost, "/api/rides", r.rideBody(r.rider("main"))), http.StatusConflict)
		}},
		{Name: "Offers: every driver sees the ride", Run: checkOffersVisible},

		{Name: "Concurrency: multi accept same ride", Run: raceAccept},
		{Name: "Offers: torn down after match", Run: checkOffersCleared},
		{Name: "Ride: loser cannot accept afterwards", Run: lateAccept},
		{Name: "Lifecycle: arrive, start, complete", Run: driveToCompletion},
		{Name: "Lifecycle: completed cannot transition", Run: func(ctx context.Context, r *Runner) Result {
			if r.rideID == "" {
				return Result{Status: StatusSkip, Note: "no completed ride"}
			}
			return expectStatus(r.call(ctx, http.MethodPost, "/api/rides/"+r.rideID+"/complete",
				map[string]any{"driverId": r.winner}), http.StatusConflict)
		}},
		{Name: "Consistency: history matches status", Run: checkHistory},
		{Name: "Concurrency: cancel vs accept", Run: raceCancel},

		{Name: "Perf: location update throughput", Run: locationLoad},
	}
}

func checkPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusSkip, Note: "dsn not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: StatusSkip, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: StatusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
	}
	return Result{Status: StatusPass}
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusSkip, Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: StatusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: StatusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
}

func registerDrivers(ctx context.Context, r *Runner) Result {
	start := time.Now()
	r.drivers = r.drivers[:0]
	for i := 0; i < r.cfg.Concurrency; i++ {
		id := fmt.Sprintf("bench-%s-d%02d", r.run, i)
		base := "/api/drivers/" + id
		steps := []struct {
			method string
			path   string
			body   any
		}{
			{http.MethodPut, base + "/eligibility", map[string]any{"eligibility": "approved"}},
			{http.MethodPut, base + "/online", map[string]any{"online": true}},
			// spread the fleet over a few hundred metres so distances differ
			{http.MethodPut, base + "/location", map[string]any{
				"lat": r.cfg.Lat + float64(i)*0.0005,
				"lng": r.cfg.Lng,
			}},
		}
		for _, s := range steps {
			res := r.call(ctx, s.method, s.path, s.body)
			if res.Status < 200 || res.Status >= 300 {
				return Result{Status: StatusFail, Note: fmt.Sprintf("%s %s status=%d", s.method, s.path, res.Status)}
			}
		}
		r.drivers = append(r.drivers, id)
	}
	return Result{Status: StatusPass, Latency: time.Since(start), Note: fmt.Sprintf("drivers=%d", len(r.drivers))}
}

func checkCandidates(ctx context.Context, r *Runner) Result {
	res := r.call(ctx, http.MethodPost, "/api/matching/candidates", map[string]any{
		"pickupLat":   r.cfg.Lat,
		"pickupLng":   r.cfg.Lng,
		"maxRadiusKm": 5,
		"limit":       50,
	})
	if res.Status != http.StatusOK {
		return failStatus(res)
	}
	found := map[string]bool{}
	for _, c := range listOf(res.Body["drivers"]) {
		found[stringOf(c["id"])] = true
	}
	for _, id := range r.drivers {
		if !found[id] {
			return Result{Status: StatusFail, Latency: res.Latency, Note: "missing candidate " + id}
		}
	}
	return Result{Status: StatusPass, Latency: res.Latency, Note: fmt.Sprintf("candidates=%d", len(found))}
}

func requestRide(ctx context.Context, r *Runner) Result {
	res := r.call(ctx, http.MethodPost, "/api/rides", r.rideBody(r.rider("main")))
	if res.Status != http.StatusCreated {
		return failStatus(res)
	}
	ride, _ := res.Body["ride"].(map[string]any)
	r.rideID = stringOf(ride["id"])
	if r.rideID == "" || stringOf(ride["status"]) != "requested" {
		return Result{Status: StatusFail, Latency: res.Latency, Note: "unexpected ride payload"}
	}
	offers, _ := res.Body["offers"].(float64)
	if int(offers) < len(r.drivers) {
		return Result{Status: StatusFail, Latency: res.Latency, Note: fmt.Sprintf("offers=%d want>=%d", int(offers), len(r.drivers))}
	}
	return Result{Status: StatusPass, Latency: res.Latency, Note: fmt.Sprintf("ride=%s offers=%d", r.rideID, int(offers))}
}

func checkOffersVisible(ctx context.Context, r *Runner) Result {
	if r.rideID == "" {
		return Result{Status: StatusSkip, Note: "no ride"}
	}
	for _, id := range r.drivers {
		if !r.hasOffer(ctx, id, r.rideID) {
			return Result{Status: StatusFail, Note: "no offer for " + id}
		}
	}
	return Result{Status: StatusPass}
}

// raceAccept fires every driver's accept at once behind a start gate.
// Exactly one may win and every loser must see reason=taken.
func raceAccept(ctx context.Context, r *Runner) Result {
	if r.rideID == "" {
		return Result{Status: StatusSkip, Note: "no ride"}
	}
	results := make([]apiResponse, len(r.drivers))
	gate := make(chan struct{})
	var wg sync.WaitGroup
	for i, id := range r.drivers {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			<-gate
			results[i] = r.call(ctx, http.MethodPost, "/api/drivers/"+id+"/offers/"+r.rideID+"/accept", map[string]any{})
		}(i, id)
	}
	start := time.Now()
	close(gate)
	wg.Wait()
	latency := time.Since(start)

	won, lost := 0, 0
	for i, res := range results {
		switch {
		case res.Status == http.StatusOK && stringOf(res.Body["outcome"]) == "WON":
			won++
			r.winner = r.drivers[i]
		case res.Status == http.StatusConflict && stringOf(res.Body["reason"]) == "taken":
			lost++
		default:
			return Result{Status: StatusFail, Latency: latency, Note: fmt.Sprintf("driver %s status=%d body=%v", r.drivers[i], res.Status, res.Body)}
		}
	}
	if won != 1 {
		return Result{Status: StatusFail, Latency: latency, Note: fmt.Sprintf("won=%d lost=%d", won, lost)}
	}

	got := r.call(ctx, http.MethodGet, "/api/rides/"+r.rideID, nil)
	if stringOf(got.Body["driverId"]) != r.winner || stringOf(got.Body["status"]) != "accepted" {
		return Result{Status: StatusFail, Latency: latency, Note: fmt.Sprintf("ride driver=%v status=%v winner=%s", got.Body["driverId"], got.Body["status"], r.winner)}
	}
	return Result{Status: StatusPass, Latency: latency, Note: fmt.Sprintf("won=1 lost=%d winner=%s", lost, r.winner)}
}

func checkOffersCleared(ctx context.Context, r *Runner) Result {
	if r.winner == "" {
		return Result{Status: StatusSkip, Note: "no match"}
	}
	for _, id := range r.drivers {
		if r.hasOffer(ctx, id, r.rideID) {
			return Result{Status: StatusFail, Note: "offer still visible to " + id}
		}
	}
	return Result{Status: StatusPass}
}

func lateAccept(ctx context.Context, r *Runner) Result {
	loser := r.loser()
	if loser == "" {
		return Result{Status: StatusSkip, Note: "no losing driver"}
	}
	res := r.call(ctx, http.MethodPost, "/api/drivers/"+loser+"/offers/"+r.rideID+"/accept", map[string]any{})
	if res.Status != http.StatusConflict || stringOf(res.Body["reason"]) != "taken" {
		return Result{Status: StatusFail, Latency: res.Latency, Note: fmt.Sprintf("status=%d reason=%v", res.Status, res.Body["reason"])}
	}
	return Result{Status: StatusPass, Latency: res.Latency}
}

func driveToCompletion(ctx context.Context, r *Runner) Result {
	if r.winner == "" {
		return Result{Status: StatusSkip, Note: "no match"}
	}
	start := time.Now()
	for _, step := range []struct{ path, want string }{
		{"arrive", "arriving"},
		{"start", "started"},
		{"complete", "completed"},
	} {
		res := r.call(ctx, http.MethodPost, "/api/rides/"+r.rideID+"/"+step.path, map[string]any{"driverId": r.winner})
		if res.Status != http.StatusOK || stringOf(res.Body["status"]) != step.want {
			return Result{Status: StatusFail, Latency: time.Since(start), Note: fmt.Sprintf("%s status=%d body=%v", step.path, res.Status, res.Body)}
		}
	}
	st := r.call(ctx, http.MethodGet, "/api/drivers/"+r.winner, nil)
	if stringOf(st.Body["currentRideId"]) != "" {
		return Result{Status: StatusFail, Latency: time.Since(start), Note: "driver still holds ride after completion"}
	}
	return Result{Status: StatusPass, Latency: time.Since(start)}
}

func checkHistory(ctx context.Context, r *Runner) Result {
	if r.winner == "" {
		return Result{Status: StatusSkip, Note: "no match"}
	}
	res := r.call(ctx, http.MethodGet, "/api/rides/"+r.rideID+"/events", nil)
	if res.Status != http.StatusOK {
		return failStatus(res)
	}
	want := []string{"requested", "accepted", "arriving", "started", "completed"}
	events := listOf(res.Body["events"])
	got := make([]string, 0, len(events))
	for _, e := range events {
		got = append(got, stringOf(e["to"]))
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		return Result{Status: StatusFail, Latency: res.Latency, Note: "history=" + strings.Join(got, ",")}
	}
	return Result{Status: StatusPass, Latency: res.Latency}
}

// raceCancel sends the rider's cancel and one driver's accept together.
// Either order is legal; the stored ride has to agree with whichever responses came back,
// and the driver must end up free.
func raceCancel(ctx context.Context, r *Runner) Result {
	if len(r.drivers) == 0 {
		return Result{Status: StatusSkip, Note: "no drivers"}
	}
	rider := r.rider("race")
	created := r.call(ctx, http.MethodPost, "/api/rides", r.rideBody(rider))
	if created.Status != http.StatusCreated {
		return failStatus(created)
	}
	ride, _ := created.Body["ride"].(map[string]any)
	id := stringOf(ride["id"])
	driver := r.drivers[0]

	var accept, cancel apiResponse
	gate := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-gate
		accept = r.call(ctx, http.MethodPost, "/api/drivers/"+driver+"/offers/"+id+"/accept", map[string]any{})
	}()
	go func() {
		defer wg.Done()
		<-gate
		cancel = r.call(ctx, http.MethodPost, "/api/rides/"+id+"/cancel", map[string]any{
			"reason":  "bench race",
			"actor":   "rider",
			"actorId": rider,
		})
	}()
	start := time.Now()
	close(gate)
	wg.Wait()
	latency := time.Since(start)

	final := r.call(ctx, http.MethodGet, "/api/rides/"+id, nil)
	status := stringOf(final.Body["status"])
	won := accept.Status == http.StatusOK
	note := fmt.Sprintf("accept=%d cancel=%d final=%s", accept.Status, cancel.Status, status)

	switch {
	case cancel.Status == http.StatusOK:
		if status != "cancelled" {
			return Result{Status: StatusFail, Latency: latency, Note: note}
		}
		// An accept that won landed first, so the assignment survives the cancel.
		if won != (stringOf(final.Body["driverId"]) == driver) {
			return Result{Status: StatusFail, Latency: latency, Note: note + " driver=" + stringOf(final.Body["driverId"])}
		}
	case cancel.Status == http.StatusConflict && won:
		// The cancel read a REQUESTED ride and lost its write to the accept.
		if status != "accepted" || stringOf(final.Body["driverId"]) != driver {
			return Result{Status: StatusFail, Latency: latency, Note: note}
		}
		retry := r.call(ctx, http.MethodPost, "/api/rides/"+id+"/cancel", map[string]any{
			"reason":  "bench cleanup",
			"actor":   "rider",
			"actorId": rider,
		})
		if retry.Status != http.StatusOK {
			return Result{Status: StatusFail, Latency: latency, Note: note + fmt.Sprintf(" cleanup=%d", retry.Status)}
		}
	default:
		return Result{Status: StatusFail, Latency: latency, Note: note}
	}
	st := r.call(ctx, http.MethodGet, "/api/drivers/"+driver, nil)
	if stringOf(st.Body["currentRideId"]) != "" {
		return Result{Status: StatusFail, Latency: latency, Note: note + " driver not released"}
	}
	return Result{Status: StatusPass, Latency: latency, Note: note}
}

func locationLoad(ctx context.Context, r *Runner) Result {
	if len(r.drivers) == 0 {
		return Result{Status: StatusSkip, Note: "no drivers"}
	}
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64
	var mu sync.Mutex
	wg := sync.WaitGroup{}

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for n := 0; time.Now().Before(end) && ctx.Err() == nil; n++ {
				res := r.call(ctx, http.MethodPut, "/api/drivers/"+id+"/location", map[string]any{
					"lat": r.cfg.Lat + float64(n%10)*0.0001,
					"lng": r.cfg.Lng,
				})
				mu.Lock()
				if res.Status == http.StatusNoContent {
					count++
				} else {
					errCount++
				}
				mu.Unlock()
			}
		}(r.drivers[i%len(r.drivers)])
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: StatusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: StatusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func (r *Runner) call(ctx context.Context, method, path string, body any) apiResponse {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return apiResponse{Body: map[string]any{"error": err.Error()}}
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return apiResponse{Body: map[string]any{"error": err.Error()}, Latency: time.Since(start)}
	}
	defer resp.Body.Close()
	out := apiResponse{Status: resp.StatusCode, Latency: time.Since(start)}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out.Body)
	}
	return out
}

func (r *Runner) hasOffer(ctx context.Context, driverID, rideID string) bool {
	res := r.call(ctx, http.MethodGet, "/api/drivers/"+driverID+"/offers", nil)
	for _, o := range listOf(res.Body["offers"]) {
		if stringOf(o["rideId"]) == rideID {
			return true
		}
	}
	return false
}

func (r *Runner) rider(name string) string {
	return fmt.Sprintf("bench-%s-%s", r.run, name)
}

func (r *Runner) loser() string {
	for _, id := range r.drivers {
		if id != r.winner {
			return id
		}
	}
	return ""
}

func (r *Runner) rideBody(riderID string) map[string]any {
	return map[string]any{
		"riderId":       riderID,
		"pickup":        map[string]any{"lat": r.cfg.Lat, "lng": r.cfg.Lng, "address": "bench pickup"},
		"destination":   map[string]any{"lat": r.cfg.Lat + 0.0148, "lng": r.cfg.Lng - 0.0336, "address": "bench dropoff"},
		"rideType":      "economy",
		"paymentMethod": "cash",
	}
}

func expectStatus(res apiResponse, want int) Result {
	if res.Status != want {
		return failStatus(res)
	}
	return Result{Status: StatusPass, Latency: res.Latency, Note: fmt.Sprintf("status=%d", res.Status)}
}

func failStatus(res apiResponse) Result {
	return Result{Status: StatusFail, Latency: res.Latency, Note: fmt.Sprintf("status=%d body=%v", res.Status, res.Body)}
}

func listOf(v any) []map[string]any {
	items, _ := v.([]any)
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
