package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cinema-seat-booking/internal/booking"
	"github.com/iliyamo/cinema-seat-booking/internal/payment"
	"github.com/iliyamo/cinema-seat-booking/internal/seatlock"
)

const (
	stripeSecret   = "whsec_handler"
	razorpaySecret = "rzp_handler"
)

type fixture struct {
	e        *echo.Echo
	locks    *seatlock.Manager
	bookings *booking.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	log, _ := logtest.NewNullLogger()

	locks := seatlock.NewManager(seatlock.NewRedisStore(rdb), log, seatlock.Options{})
	svc := booking.NewService(booking.NewMemoryStore(), log,
		booking.WithSeatReleaser(locks),
		booking.WithHoldVerifier(locks),
	)
	rec := payment.NewReconciler(svc, log, payment.NewStripe(stripeSecret, 0), payment.NewRazorpay(razorpaySecret))

	e := echo.New()
	sl := NewSeatLockHandler(locks)
	e.POST("/api/seat-locks", sl.Acquire)
	e.DELETE("/api/seat-locks", sl.Release)
	e.GET("/api/seat-locks", sl.List)
	bh := NewBookingHandler(svc, log)
	e.POST("/api/bookings", bh.Create)
	e.GET("/api/bookings/:id", bh.Get)
	e.POST("/api/bookings/:id/checkout", bh.Checkout)
	e.POST("/api/bookings/:id/cancel", bh.Cancel)
	wh := NewWebhookHandler(rec)
	e.POST("/webhooks/stripe", wh.Stripe)
	e.POST("/webhooks/razorpay", wh.Razorpay)
	e.GET("/healthz", Health)

	return &fixture{e: e, locks: locks, bookings: svc}
}

func (f *fixture) do(method, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func hmacHex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestSeatLockEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/seat-locks",
		`{"showtimeId":"S1","seatIds":["A1","A2"],"holderId":"u1","holdDurationMs":60000}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["granted"])
	assert.Greater(t, body["expiresAt"], float64(time.Now().UnixMilli()))

	rec = f.do(http.MethodPost, "/api/seat-locks",
		`{"showtimeId":"S1","seatIds":["A2","A3"],"holderId":"u2"}`, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "Seat already locked", body["error"])
	assert.Equal(t, []any{"A2"}, body["seats"])

	rec = f.do(http.MethodGet, "/api/seat-locks?showtimeId=S1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.ElementsMatch(t, []any{"A1", "A2"}, decode(t, rec)["lockedSeats"])

	rec = f.do(http.MethodDelete, "/api/seat-locks", `{"showtimeId":"S1","seatIds":["A1","A2","Z9"]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])

	rec = f.do(http.MethodGet, "/api/seat-locks?showtimeId=S1", "", nil)
	assert.Equal(t, []any{}, decode(t, rec)["lockedSeats"])
}

func TestSeatLockValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]string{
		"no seats":     `{"showtimeId":"S1","seatIds":[],"holderId":"u1"}`,
		"no showtime":  `{"seatIds":["A1"],"holderId":"u1"}`,
		"bad json":     `{"showtimeId":`,
		"negative ttl": `{"showtimeId":"S1","seatIds":["A1"],"holderId":"u1","holdDurationMs":-5}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/api/seat-locks", body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/seat-locks", "", nil).Code)
}

// createBooking holds the seats for u1 and books them with the granted
// expiry.
func (f *fixture) createBooking(t *testing.T, seats string) string {
	t.Helper()
	rec := f.do(http.MethodPost, "/api/seat-locks",
		fmt.Sprintf(`{"showtimeId":"S1","seatIds":%s,"holderId":"u1","holdDurationMs":60000}`, seats), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	exp := int64(decode(t, rec)["expiresAt"].(float64))

	rec = f.do(http.MethodPost, "/api/bookings",
		fmt.Sprintf(`{"showtimeId":"S1","seatIds":%s,"holderId":"u1","totalAmount":2400,"expiresAt":%d}`, seats, exp), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "PENDING", body["status"])
	return body["id"].(string)
}

func TestBookingEndpoints(t *testing.T) {
	f := newFixture(t)
	id := f.createBooking(t, `["A1"]`)

	rec := f.do(http.MethodGet, "/api/bookings/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2400), decode(t, rec)["totalAmount"])

	rec = f.do(http.MethodPost, "/api/bookings/"+id+"/checkout", `{"provider":"Stripe","reference":"cs_1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cs_1", decode(t, rec)["stripeSessionId"])

	rec = f.do(http.MethodPost, "/api/bookings/"+id+"/checkout", `{"provider":"paypal","reference":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/bookings/"+id+"/cancel", `{"reason":"changed mind"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "applied", body["transition"])
	assert.Equal(t, "CANCELLED", body["booking"].(map[string]any)["status"])

	rec = f.do(http.MethodPost, "/api/bookings/"+id+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decode(t, rec)["transition"])

	rec = f.do(http.MethodPost, "/api/bookings/"+id+"/checkout", `{"provider":"razorpay","reference":"order_1"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/bookings/missing", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/bookings/missing/cancel", "", nil).Code)
}

func TestCreateBookingRejections(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Second).UnixMilli()

	rec := f.do(http.MethodPost, "/api/bookings",
		fmt.Sprintf(`{"showtimeId":"S1","seatIds":["A1"],"holderId":"u1","expiresAt":%d}`, past), nil)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = f.do(http.MethodPost, "/api/bookings", `{"showtimeId":"S1","seatIds":["A1"],"holderId":"u1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	future := time.Now().Add(time.Minute).UnixMilli()
	rec = f.do(http.MethodPost, "/api/bookings",
		fmt.Sprintf(`{"showtimeId":"S1","seatIds":[],"expiresAt":%d}`, future), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBookingRequiresLiveHold(t *testing.T) {
	f := newFixture(t)
	future := time.Now().Add(time.Minute).UnixMilli()

	// Never acquired.
	rec := f.do(http.MethodPost, "/api/bookings",
		fmt.Sprintf(`{"showtimeId":"S1","seatIds":["D1"],"holderId":"u1","expiresAt":%d}`, future), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Held by someone else: the other holder's expiry is unknown to u2.
	rec = f.do(http.MethodPost, "/api/seat-locks", `{"showtimeId":"S1","seatIds":["D2"],"holderId":"u1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	held := int64(decode(t, rec)["expiresAt"].(float64))
	rec = f.do(http.MethodPost, "/api/bookings",
		fmt.Sprintf(`{"showtimeId":"S1","seatIds":["D2"],"holderId":"u2","expiresAt":%d}`, held+1), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/api/bookings",
		fmt.Sprintf(`{"showtimeId":"S1","seatIds":["D2"," D2"],"holderId":"u1","expiresAt":%d}`, held), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, []any{"D2"}, decode(t, rec)["seatIds"])
}

func stripeRequest(body string) http.Header {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	h := http.Header{}
	h.Set(payment.StripeSignatureHeader, "t="+ts+",v1="+hmacHex(stripeSecret, ts+"."+body))
	h.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return h
}

func TestStripeWebhookConfirmsAndReleasesSeats(t *testing.T) {
	f := newFixture(t)
	id := f.createBooking(t, `["B1"]`)
	rec := f.do(http.MethodPost, "/api/bookings/"+id+"/checkout", `{"provider":"stripe","reference":"cs_9"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	payload := `{"id":"evt_9","type":"checkout.session.completed","data":{"object":{"id":"cs_9"}}}`
	rec = f.do(http.MethodPost, "/webhooks/stripe", payload, stripeRequest(payload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["received"])

	b, err := f.bookings.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, b.Status)
	rec = f.do(http.MethodGet, "/api/seat-locks?showtimeId=S1", "", nil)
	assert.Equal(t, []any{}, decode(t, rec)["lockedSeats"])

	// A replay is acknowledged the same way.
	rec = f.do(http.MethodPost, "/webhooks/stripe", payload, stripeRequest(payload))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStripeWebhookRejections(t *testing.T) {
	f := newFixture(t)
	payload := `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`

	h := stripeRequest(payload)
	h.Set(payment.StripeSignatureHeader, "t=1,v1=deadbeef")
	rec := f.do(http.MethodPost, "/webhooks/stripe", payload, h)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad := `{"type":`
	rec = f.do(http.MethodPost, "/webhooks/stripe", bad, stripeRequest(bad))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown bookings are acknowledged so the provider stops retrying.
	rec = f.do(http.MethodPost, "/webhooks/stripe", payload, stripeRequest(payload))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRazorpayWebhook(t *testing.T) {
	f := newFixture(t)
	id := f.createBooking(t, `["C1"]`)
	rec := f.do(http.MethodPost, "/api/bookings/"+id+"/checkout", `{"provider":"razorpay","reference":"order_7"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	payload := `{"entity":"event","event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_7","order_id":"order_7","notes":[]}}}}`
	h := http.Header{}
	h.Set(payment.RazorpaySignatureHeader, hmacHex(razorpaySecret, payload))
	h.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	rec = f.do(http.MethodPost, "/webhooks/razorpay", payload, h)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "OK", rec.Body.String())

	b, err := f.bookings.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, b.Status)
	require.NotNil(t, b.RazorpayPaymentID)
	assert.Equal(t, "pay_7", *b.RazorpayPaymentID)

	h.Set(payment.RazorpaySignatureHeader, hmacHex("wrong", payload))
	rec = f.do(http.MethodPost, "/webhooks/razorpay", payload, h)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
