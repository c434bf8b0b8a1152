package encar

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/njoerd114/listingrelay/internal/model"
	"github.com/njoerd114/listingrelay/internal/source"
	"github.com/njoerd114/listingrelay/internal/source/autoapi"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestAdapter(t *testing.T, mux *http.ServeMux) *Adapter {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	a, err := New(Options{
		Options: autoapi.Options{
			BaseURL:   srv.URL + "/api/v2/encar",
			APIKey:    "k",
			RateLimit: 1000,
			Burst:     100,
		},
		MaxPages: 10,
	}, testLogger)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

const filtersJSON = `{
  "mark": {
    "Hyundai": {"model": {
      "Sonata": {"configuration": {
        "DN8": {"complectation": ["Premium", "Inspiration"]},
        "LF":  {"complectation": ["Premium", "Smart"]}
      }}
    }},
    "Kia": {"model": {"K5": {"configuration": {}}}}
  },
  "transmission_type": ["Automatic", "Manual", "Automatic"],
  "color": ["White", "Black"],
  "body_type": ["Sedan"],
  "engine_type": ["Gasoline", "Diesel"]
}`

func TestFilters_FlattensConfigurations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/encar/filters", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(filtersJSON))
	})
	a := newTestAdapter(t, mux)

	tax, err := a.Filters(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	trims := tax.Marks["Hyundai"]["Sonata"]
	want := []string{"Inspiration", "Premium", "Smart"}
	if strings.Join(trims, ",") != strings.Join(want, ",") {
		t.Errorf("trims = %v, want %v", trims, want)
	}
	if _, ok := tax.Marks["Kia"]["K5"]; !ok {
		t.Error("Kia K5 missing")
	}
	if len(tax.Transmission) != 2 {
		t.Errorf("Transmission = %v, want deduplicated", tax.Transmission)
	}
	if len(tax.DriveType) != 0 {
		t.Errorf("DriveType = %v, encar publishes none", tax.DriveType)
	}
}

func TestChanges_PaginatesUntilNextStalls(t *testing.T) {
	mux := http.NewServeMux()
	var requested []string
	mux.HandleFunc("/api/v2/encar/changes", func(w http.ResponseWriter, r *http.Request) {
		from := r.URL.Query().Get("change_id")
		requested = append(requested, from)
		switch from {
		case "100":
			_, _ = w.Write([]byte(`{"result": [
				{"id": 101, "inner_id": "ext1", "change_type": "added", "data": {"inner_id": "ext1", "mark": "Kia", "model": "K5"}},
				{"id": 102, "inner_id": "ext1", "change_type": "changed", "data": {"new_price": 1990, "new_price_won": 19900000}}
			], "meta": {"cur_change_id": 100, "next_change_id": 103, "limit": 2}}`))
		case "103":
			_, _ = w.Write([]byte(`{"result": [
				{"id": 103, "inner_id": "ext2", "change_type": "removed"}
			], "meta": {"cur_change_id": 103, "next_change_id": 103, "limit": 2}}`))
		default:
			t.Errorf("unexpected change_id %s", from)
		}
	})
	a := newTestAdapter(t, mux)

	stream, err := a.Changes(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	recs, err := source.Collect(context.Background(), stream, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[0].Operation != model.OpAdd || recs[0].Partial {
		t.Errorf("rec 101 = %+v", recs[0])
	}
	if recs[1].Operation != model.OpUpdate || !recs[1].Partial {
		t.Errorf("rec 102 should be a partial update: %+v", recs[1])
	}
	if recs[2].Operation != model.OpDelete || recs[2].ExternalID != "ext2" {
		t.Errorf("rec 103 = %+v", recs[2])
	}
	if strings.Join(requested, ",") != "100,103" {
		t.Errorf("requested = %v", requested)
	}
}

func TestChanges_NegativeCursor(t *testing.T) {
	a := newTestAdapter(t, http.NewServeMux())
	_, err := a.Changes(context.Background(), -5)
	if !errors.Is(err, source.ErrInvalidCursor) {
		t.Errorf("err = %v, want ErrInvalidCursor", err)
	}
}

func TestChangeIDForDate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/encar/change_id", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"change_id": 4242}`))
	})
	a := newTestAdapter(t, mux)
	id, err := a.ChangeIDForDate(context.Background(), "2024-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if id != 4242 {
		t.Errorf("id = %d, want 4242", id)
	}
	if _, err := a.ChangeIDForDate(context.Background(), "01/01/2024"); !errors.Is(err, source.ErrInvalidDate) {
		t.Errorf("err = %v, want ErrInvalidDate", err)
	}
}

func TestOfferByURL_UsesV1Lookup(t *testing.T) {
	mux := http.NewServeMux()
	var hit bool
	mux.HandleFunc("/api/v1/offer/info", func(w http.ResponseWriter, r *http.Request) {
		hit = r.Method == http.MethodPost && r.Header.Get("x-api-key") == "k"
		_, _ = w.Write([]byte(`{"inner_id": "38001234", "mark": "Genesis"}`))
	})
	a := newTestAdapter(t, mux)
	raw, err := a.OfferByURL(context.Background(), "https://fem.encar.com/cars/detail/38001234")
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Error("lookup endpoint not called with POST and x-api-key")
	}
	if !strings.Contains(string(raw), "Genesis") {
		t.Errorf("raw = %s", raw)
	}
}

func TestOfferByExternalID_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/encar/offer", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	a := newTestAdapter(t, mux)
	if _, err := a.OfferByExternalID(context.Background(), "gone"); !errors.Is(err, source.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
