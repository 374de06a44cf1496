package projectx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// testToken is a JWT with exp far in the future. Signature is irrelevant;
// only the claims are decoded.
const testToken = "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9." +
	"eyJzdWIiOiJ0ZXN0IiwiZXhwIjo0MTAyNDQ0ODAwfQ." +
	"invalid-signature"

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, NewClientWithBaseURL("user", "key", srv.URL)
}

func TestAuthenticateAndPlaceOrder(t *testing.T) {
	var gotAuth bool
	var gotOrder OrderRequest

	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/Auth/loginKey":
			var req loginRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.UserName != "user" || req.APIKey != "key" {
				t.Errorf("login = %+v", req)
			}
			gotAuth = true
			json.NewEncoder(w).Encode(loginResponse{Token: testToken, Success: true})
		case "/api/Order/place":
			if got := r.Header.Get("Authorization"); got != "Bearer "+testToken {
				t.Errorf("auth header = %q", got)
			}
			json.NewDecoder(r.Body).Decode(&gotOrder)
			json.NewEncoder(w).Encode(orderResponse{apiResponse: apiResponse{Success: true}, OrderID: 42})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	price := 5020.0
	orderID, err := client.PlaceOrder(context.Background(), OrderRequest{
		AccountID: 7, ContractID: "CON.F.US.EP.H25", Type: OrderTypeLimit,
		Side: OrderSideBuy, Size: 2, LimitPrice: &price,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if orderID != 42 {
		t.Errorf("order id = %d, want 42", orderID)
	}
	if !gotAuth {
		t.Error("no auth call before first request")
	}
	if gotOrder.ContractID != "CON.F.US.EP.H25" || gotOrder.Size != 2 {
		t.Errorf("order request = %+v", gotOrder)
	}
}

func TestUnauthorizedForcesReauth(t *testing.T) {
	var authCalls, orderCalls int

	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/Auth/loginKey":
			authCalls++
			json.NewEncoder(w).Encode(loginResponse{Token: testToken, Success: true})
		case "/api/Order/place":
			orderCalls++
			if orderCalls == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(orderResponse{apiResponse: apiResponse{Success: true}, OrderID: 1})
		}
	})

	if _, err := client.PlaceOrder(context.Background(), OrderRequest{}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if authCalls != 2 {
		t.Errorf("auth calls = %d, want 2 (initial + after 401)", authCalls)
	}
}

func TestGatewayRejectionIsError(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/Auth/loginKey":
			json.NewEncoder(w).Encode(loginResponse{Token: testToken, Success: true})
		default:
			json.NewEncoder(w).Encode(apiResponse{Success: false, ErrorCode: 3, ErrorMessage: "insufficient margin"})
		}
	})

	if _, err := client.PlaceOrder(context.Background(), OrderRequest{}); err == nil {
		t.Fatal("expected rejection error")
	}
}

func TestRetrieveBarsReversesToOldestFirst(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/Auth/loginKey":
			json.NewEncoder(w).Encode(loginResponse{Token: testToken, Success: true})
		case "/api/History/retrieveBars":
			json.NewEncoder(w).Encode(retrieveBarsResponse{
				apiResponse: apiResponse{Success: true},
				Bars: []RawBar{
					{Close: 5030}, // newest
					{Close: 5020},
					{Close: 5010}, // oldest
				},
			})
		}
	})

	bars, err := client.RetrieveBars(context.Background(), "CON.F.US.EP.H25", time.Now().Add(-time.Hour), time.Now(), 1, 100)
	if err != nil {
		t.Fatalf("RetrieveBars: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("got %d bars", len(bars))
	}
	if bars[0].Close != 5010 || bars[2].Close != 5030 {
		t.Errorf("bars not oldest-first: %v, %v", bars[0].Close, bars[2].Close)
	}
}

func TestSplitFrames(t *testing.T) {
	payload := append([]byte(`{"type":6}`), recordSeparator)
	payload = append(payload, []byte(`{"type":1,"target":"GatewayQuote"}`)...)
	payload = append(payload, recordSeparator)

	frames := splitFrames(payload)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}

	var msg hubMessage
	if err := json.Unmarshal(frames[1], &msg); err != nil {
		t.Fatalf("frame 1: %v", err)
	}
	if msg.Target != "GatewayQuote" {
		t.Errorf("target = %q", msg.Target)
	}
}
