package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/confix/go-shipping-backend/internal/domain"
	"github.com/confix/go-shipping-backend/internal/gateway"
	"github.com/confix/go-shipping-backend/internal/notify"
	"github.com/confix/go-shipping-backend/internal/repo"
)

// ----- Test doubles -----

type fakeGateway struct {
	mu      sync.Mutex
	paid    bool
	err     error
	queries int

	charge    gateway.PixCharge
	chargeErr error
}

func (g *fakeGateway) QueryStatus(ctx context.Context, paymentID string) (gateway.StatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	if g.err != nil {
		return gateway.StatusResult{}, g.err
	}
	if g.paid {
		return gateway.StatusResult{Status: "PAID", Paid: true}, nil
	}
	return gateway.StatusResult{Status: "PENDING", Paid: false}, nil
}

func (g *fakeGateway) CreatePixCharge(ctx context.Context, req gateway.CreateChargeRequest) (gateway.PixCharge, error) {
	if g.chargeErr != nil {
		return gateway.PixCharge{}, g.chargeErr
	}
	return g.charge, nil
}

func (g *fakeGateway) queryCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queries
}

type fakeNotifier struct {
	events chan notify.ShipmentCreated
	err    error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(chan notify.ShipmentCreated, 8)}
}

func (n *fakeNotifier) Dispatch(ctx context.Context, ev notify.ShipmentCreated) error {
	n.events <- ev
	return n.err
}

// fakeClock makes every wait return immediately and records what was asked.
type fakeClock struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.waits))
	copy(out, c.waits)
	return out
}

// ----- Helpers -----

func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("svc_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA busy_timeout=5000;")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func svcPayload() domain.OrderPayload {
	return domain.OrderPayload{
		SchemaVersion: domain.OrderPayloadSchemaVersion,
		Sender: domain.Party{
			Name: "Maria Souza", Street: "Rua das Flores", Number: "120",
			City: "Curitiba", State: "PR", PostalCode: "80010-000",
		},
		Recipient: domain.Party{
			Name: "Joao Lima", Street: "Av. Paulista", Number: "1000",
			City: "Sao Paulo", State: "SP", PostalCode: "01310-100",
		},
		Package:      domain.Package{WeightKg: 1.2, LengthCm: 20, WidthCm: 15, HeightCm: 10},
		QuoteOptions: domain.QuoteOptions{Carrier: "correios", ServiceLevel: "sedex", PriceCents: 2590, DeliveryDays: 3},
	}
}

func newTestService(t *testing.T, db *gorm.DB, gw *fakeGateway, n *fakeNotifier) (*ReconcileService, *fakeClock) {
	t.Helper()
	clk := &fakeClock{}
	s := NewReconcileService(db, gw, n)
	s.Clock = clk
	return s, clk
}

func seedIntent(t *testing.T, db *gorm.DB, ref string, status domain.IntentStatus) *domain.PaymentIntent {
	t.Helper()
	in, err := repo.CreateIntent(context.Background(), db, "u1", ref, "pay-"+ref, 2590, svcPayload())
	if err != nil {
		t.Fatalf("seed intent: %v", err)
	}
	if status != domain.IntentCreated {
		if err := db.Model(&domain.PaymentIntent{}).Where("id = ?", in.ID).Update("status", status).Error; err != nil {
			t.Fatalf("seed status: %v", err)
		}
		in.Status = status
	}
	return in
}

// ----- Tests -----

func TestReconcile_ReferenceNotFound(t *testing.T) {
	db := newServiceDB(t)
	s, _ := newTestService(t, db, &fakeGateway{}, newFakeNotifier())

	_, err := s.Reconcile(context.Background(), "ext-missing")
	if !errors.Is(err, ErrReferenceNotFound) {
		t.Fatalf("want ErrReferenceNotFound, got %v", err)
	}

	var count int64
	db.Model(&domain.Shipment{}).Count(&count)
	if count != 0 {
		t.Fatalf("shipment created for missing reference")
	}
}

func TestReconcile_PaymentPendingAtGateway(t *testing.T) {
	db := newServiceDB(t)
	gw := &fakeGateway{paid: false}
	s, _ := newTestService(t, db, gw, newFakeNotifier())
	seedIntent(t, db, "ext-pending", domain.IntentCreated)

	_, err := s.Reconcile(context.Background(), "ext-pending")
	if !errors.Is(err, ErrPaymentPending) {
		t.Fatalf("want ErrPaymentPending, got %v", err)
	}
	if gw.queryCount() != 1 {
		t.Fatalf("gateway queries = %d; want 1", gw.queryCount())
	}

	in, _ := repo.GetIntentByReference(context.Background(), db, "ext-pending")
	if in.Status != domain.IntentCreated {
		t.Fatalf("intent status mutated to %q", in.Status)
	}
}

func TestReconcile_WinnerCreatesShipment(t *testing.T) {
	db := newServiceDB(t)
	gw := &fakeGateway{paid: true}
	n := newFakeNotifier()
	s, _ := newTestService(t, db, gw, n)
	seedIntent(t, db, "ext-win", domain.IntentCreated)

	res, err := s.Reconcile(context.Background(), "ext-win")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.AlreadyExisted {
		t.Fatalf("winner reported AlreadyExisted")
	}
	if !TrackingCodeRE.MatchString(res.Shipment.TrackingCode) {
		t.Fatalf("tracking code %q does not match format", res.Shipment.TrackingCode)
	}
	if res.Shipment.Status != domain.ShipmentStatusPaid {
		t.Fatalf("shipment status = %q", res.Shipment.Status)
	}

	// Intent finished the lock protocol.
	in, _ := repo.GetIntentByReference(context.Background(), db, "ext-win")
	if in.Status != domain.IntentProcessed {
		t.Fatalf("intent status = %q; want processed", in.Status)
	}

	// Address snapshots were normalized and linked.
	full, _ := repo.FindShipmentByReference(context.Background(), db, "ext-win")
	if full.SenderAddress.Name != "Maria Souza" || full.RecipientAddress.City != "Sao Paulo" {
		t.Fatalf("address snapshots wrong: %+v %+v", full.SenderAddress, full.RecipientAddress)
	}

	// Initial history entry exists.
	hist, _ := repo.ListStatusHistory(context.Background(), db, res.Shipment.ID)
	if len(hist) != 1 || hist[0].Status != domain.ShipmentStatusPaid {
		t.Fatalf("history = %+v; want single paid entry", hist)
	}

	// Best-effort saved address landed.
	saved, _ := repo.ListSavedAddresses(context.Background(), db, "u1")
	if len(saved) != 1 || saved[0].PostalCode != "80010-000" {
		t.Fatalf("saved addresses = %+v", saved)
	}

	// Label notification fired with the full order payload.
	select {
	case ev := <-n.events:
		if ev.Event != notify.EventShipmentCreated || ev.TrackingCode != res.Shipment.TrackingCode {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.PaymentData.ExternalReference != "ext-win" || ev.RecipientData.Name != "Joao Lima" {
			t.Fatalf("event payload incomplete: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("label notification never dispatched")
	}
}

func TestReconcile_SecondCallIsDuplicateWithSameCode(t *testing.T) {
	db := newServiceDB(t)
	gw := &fakeGateway{paid: true}
	s, _ := newTestService(t, db, gw, newFakeNotifier())
	seedIntent(t, db, "ext-dup", domain.IntentPaymentConfirmed)

	first, err := s.Reconcile(context.Background(), "ext-dup")
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	second, err := s.Reconcile(context.Background(), "ext-dup")
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if !second.AlreadyExisted {
		t.Fatalf("second call did not report duplicate")
	}
	if second.Shipment.TrackingCode != first.Shipment.TrackingCode {
		t.Fatalf("callers diverged: %q vs %q", first.Shipment.TrackingCode, second.Shipment.TrackingCode)
	}
	// Confirmed intent never needs a gateway round-trip.
	if gw.queryCount() != 0 {
		t.Fatalf("gateway queried %d times for a confirmed intent", gw.queryCount())
	}

	var count int64
	db.Model(&domain.Shipment{}).Where("external_reference = ?", "ext-dup").Count(&count)
	if count != 1 {
		t.Fatalf("shipments = %d; want 1", count)
	}
}

func TestReconcile_LockLostAndNoShipment_StillProcessing(t *testing.T) {
	db := newServiceDB(t)
	s, clk := newTestService(t, db, &fakeGateway{paid: true}, newFakeNotifier())
	// Another actor holds the lock and has not produced a shipment.
	seedIntent(t, db, "ext-stuck", domain.IntentProcessing)

	_, err := s.Reconcile(context.Background(), "ext-stuck")
	if !errors.Is(err, ErrStillProcessing) {
		t.Fatalf("want ErrStillProcessing, got %v", err)
	}

	waits := clk.recorded()
	if len(waits) != s.DupWaitAttempts {
		t.Fatalf("bounded wait used %d sleeps; want %d", len(waits), s.DupWaitAttempts)
	}
	for _, d := range waits {
		if d != s.DupWaitInterval {
			t.Fatalf("wait spacing = %v; want %v", d, s.DupWaitInterval)
		}
	}
}

func TestReconcile_LockLostThenWinnerAppears(t *testing.T) {
	db := newServiceDB(t)
	s, _ := newTestService(t, db, &fakeGateway{paid: true}, newFakeNotifier())
	in := seedIntent(t, db, "ext-late", domain.IntentProcessing)

	// Simulate the winner finishing between the loser's first and second
	// duplicate lookups.
	var once sync.Once
	lateClock := &hookClock{
		fakeClock: &fakeClock{},
		onAfter: func() {
			once.Do(func() {
				addr, _ := repo.CreateAddress(context.Background(), db, addressFromParty(domain.AddressKindSender, svcPayload().Sender))
				addr2, _ := repo.CreateAddress(context.Background(), db, addressFromParty(domain.AddressKindRecipient, svcPayload().Recipient))
				_, err := repo.CreateShipment(context.Background(), db, &domain.Shipment{
					TrackingCode: "CFX2025LATE01", ExternalReference: "ext-late",
					SenderAddressID: addr.ID, RecipientAddressID: addr2.ID,
					Status: domain.ShipmentStatusPaid, UserID: in.UserID,
				})
				if err != nil {
					t.Errorf("simulated winner insert: %v", err)
				}
			})
		},
	}
	s.Clock = lateClock

	res, err := s.Reconcile(context.Background(), "ext-late")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !res.AlreadyExisted || res.Shipment.TrackingCode != "CFX2025LATE01" {
		t.Fatalf("loser did not converge on winner's shipment: %+v", res)
	}
}

// hookClock runs a callback on each After, then behaves like fakeClock.
type hookClock struct {
	*fakeClock
	onAfter func()
}

func (c *hookClock) After(d time.Duration) <-chan time.Time {
	if c.onAfter != nil {
		c.onAfter()
	}
	return c.fakeClock.After(d)
}

func TestReconcile_ConcurrentCallersConvergeOnOneShipment(t *testing.T) {
	db := newServiceDB(t)
	s, _ := newTestService(t, db, &fakeGateway{paid: true}, newFakeNotifier())
	seedIntent(t, db, "ext-race", domain.IntentPaymentConfirmed)

	const callers = 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		codes   = map[string]struct{}{}
		creates int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := s.Reconcile(context.Background(), "ext-race")
			if errors.Is(err, ErrStillProcessing) {
				return // legitimate bounded-wait outcome under contention
			}
			if err != nil {
				t.Errorf("Reconcile: %v", err)
				return
			}
			mu.Lock()
			codes[res.Shipment.TrackingCode] = struct{}{}
			if !res.AlreadyExisted {
				creates++
			}
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	if creates > 1 {
		t.Fatalf("multiple callers claimed creation: %d", creates)
	}
	if len(codes) > 1 {
		t.Fatalf("callers observed different tracking codes: %v", codes)
	}
	var count int64
	db.Model(&domain.Shipment{}).Where("external_reference = ?", "ext-race").Count(&count)
	if count != 1 {
		t.Fatalf("shipments = %d; want exactly 1", count)
	}
}

func TestReconcile_ProcessedIntentNeverRegresses(t *testing.T) {
	db := newServiceDB(t)
	s, _ := newTestService(t, db, &fakeGateway{paid: true}, newFakeNotifier())
	seedIntent(t, db, "ext-done", domain.IntentPaymentConfirmed)

	if _, err := s.Reconcile(context.Background(), "ext-done"); err != nil {
		t.Fatalf("setup reconcile: %v", err)
	}

	// Replay every external signal against the finished intent.
	if err := s.ConfirmPayment(context.Background(), "ext-done"); err != nil {
		t.Fatalf("ConfirmPayment replay: %v", err)
	}
	if err := s.FailPayment(context.Background(), "ext-done"); err != nil {
		t.Fatalf("FailPayment replay: %v", err)
	}
	if _, err := s.Reconcile(context.Background(), "ext-done"); err != nil {
		t.Fatalf("Reconcile replay: %v", err)
	}

	in, _ := repo.GetIntentByReference(context.Background(), db, "ext-done")
	if in.Status != domain.IntentProcessed {
		t.Fatalf("terminal intent regressed to %q", in.Status)
	}
}

func TestConfirmPayment_Transitions(t *testing.T) {
	db := newServiceDB(t)
	s, _ := newTestService(t, db, &fakeGateway{}, newFakeNotifier())
	seedIntent(t, db, "ext-conf", domain.IntentCreated)

	if err := s.ConfirmPayment(context.Background(), "ext-conf"); err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	in, _ := repo.GetIntentByReference(context.Background(), db, "ext-conf")
	if in.Status != domain.IntentPaymentConfirmed {
		t.Fatalf("status = %q; want payment_confirmed", in.Status)
	}

	if err := s.ConfirmPayment(context.Background(), "ext-missing"); !errors.Is(err, ErrReferenceNotFound) {
		t.Fatalf("want ErrReferenceNotFound, got %v", err)
	}
}

func TestFailPayment_OnlyFromCreated(t *testing.T) {
	db := newServiceDB(t)
	s, _ := newTestService(t, db, &fakeGateway{}, newFakeNotifier())
	seedIntent(t, db, "ext-fail", domain.IntentCreated)
	seedIntent(t, db, "ext-keep", domain.IntentPaymentConfirmed)

	if err := s.FailPayment(context.Background(), "ext-fail"); err != nil {
		t.Fatalf("FailPayment: %v", err)
	}
	in, _ := repo.GetIntentByReference(context.Background(), db, "ext-fail")
	if in.Status != domain.IntentFailed {
		t.Fatalf("status = %q; want failed", in.Status)
	}

	if err := s.FailPayment(context.Background(), "ext-keep"); err != nil {
		t.Fatalf("FailPayment on confirmed: %v", err)
	}
	in, _ = repo.GetIntentByReference(context.Background(), db, "ext-keep")
	if in.Status != domain.IntentPaymentConfirmed {
		t.Fatalf("late failure signal regressed a confirmed intent: %q", in.Status)
	}

	// A failed intent reconciles to the terminal error, never a shipment.
	if _, err := s.Reconcile(context.Background(), "ext-fail"); !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("want ErrPaymentFailed, got %v", err)
	}
}
