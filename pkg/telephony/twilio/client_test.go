package twilio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPlaceCall(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth string
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		user, pass, _ := r.BasicAuth()
		gotAuth = user + ":" + pass
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = map[string]string{
			"To":    r.PostFormValue("To"),
			"From":  r.PostFormValue("From"),
			"Twiml": r.PostFormValue("Twiml"),
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Call{SID: "CA42", Status: "queued", To: "+15550001111"})
	}))
	defer srv.Close()

	c, err := New("AC1", "token", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	call, err := c.PlaceCall(context.Background(), PlaceCallParams{
		To:    "+15550001111",
		From:  "+15550002222",
		TwiML: "<Response/>",
	})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if call.SID != "CA42" {
		t.Errorf("SID = %q", call.SID)
	}
	if gotPath != "/2010-04-01/Accounts/AC1/Calls.json" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "AC1:token" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotForm["To"] != "+15550001111" || gotForm["Twiml"] != "<Response/>" {
		t.Errorf("form = %v", gotForm)
	}
}

func TestRedirectCall(t *testing.T) {
	t.Parallel()

	var gotPath, gotTwiml string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		r.ParseForm()
		gotTwiml = r.PostFormValue("Twiml")
		json.NewEncoder(w).Encode(Call{SID: "CA7", Status: "in-progress"})
	}))
	defer srv.Close()

	c, _ := New("AC1", "token", WithBaseURL(srv.URL))
	if _, err := c.RedirectCall(context.Background(), "CA7", "<Response><Dial/></Response>"); err != nil {
		t.Fatalf("RedirectCall: %v", err)
	}
	if gotPath != "/2010-04-01/Accounts/AC1/Calls/CA7.json" {
		t.Errorf("path = %q", gotPath)
	}
	if gotTwiml != "<Response><Dial/></Response>" {
		t.Errorf("twiml = %q", gotTwiml)
	}
}

func TestEndCall(t *testing.T) {
	t.Parallel()

	var gotStatus string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotStatus = r.PostFormValue("Status")
		json.NewEncoder(w).Encode(Call{SID: "CA7", Status: "completed"})
	}))
	defer srv.Close()

	c, _ := New("AC1", "token", WithBaseURL(srv.URL))
	if err := c.EndCall(context.Background(), "CA7"); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if gotStatus != "completed" {
		t.Errorf("Status = %q", gotStatus)
	}
}

func TestErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code": 21211, "message": "Invalid 'To' number"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := New("AC1", "token", WithBaseURL(srv.URL))
	_, err := c.PlaceCall(context.Background(), PlaceCallParams{To: "+1bad", From: "+15550002222"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("error = %v", err)
	}
}

func TestStreamTwiML(t *testing.T) {
	t.Parallel()

	got := StreamTwiML("wss://example.com/media-stream", map[string]string{
		"call_id": "c1",
		"role":    "customer",
	})
	for _, want := range []string{
		`<Connect><Stream url="wss://example.com/media-stream">`,
		`<Parameter name="call_id" value="c1"/>`,
		`<Parameter name="role" value="customer"/>`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("TwiML missing %q:\n%s", want, got)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "token"); err == nil {
		t.Error("expected error for empty accountSID")
	}
	if _, err := New("AC1", ""); err == nil {
		t.Error("expected error for empty authToken")
	}
}
