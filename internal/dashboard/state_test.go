package dashboard

import (
	"context"
	"errors"
	"testing"
)

func TestStateApplySuccessClearsDataError(t *testing.T) {
	st := newState(nil, nil)

	st.apply(nil, errors.New("first failure"))
	if st.view().sections[sectionData] == "" {
		t.Fatal("expected data section error after failed run")
	}

	st.apply(fixtureResult(t), nil)

	view := st.view()
	if len(view.sections) != 0 {
		t.Fatalf("expected no section errors, got %v", view.sections)
	}
	if view.result == nil {
		t.Fatal("result not stored")
	}
	if view.bundle == nil {
		t.Fatal("metrics bundle not computed")
	}
}

func TestStateViewCopiesSections(t *testing.T) {
	st := newState(nil, nil)
	st.apply(nil, errors.New("boom"))

	view := st.view()
	view.sections["injected"] = "nope"

	fresh := st.view()
	if _, ok := fresh.sections["injected"]; ok {
		t.Fatal("view must return a copy of the section map")
	}
	if fresh.sections[sectionData] != "boom" {
		t.Fatalf("data section error = %q, want %q", fresh.sections[sectionData], "boom")
	}
}

func TestStateRunRefreshUnavailable(t *testing.T) {
	st := newState(nil, nil)
	if err := st.runRefresh(context.Background(), false); !errors.Is(err, errRefreshUnavailable) {
		t.Fatalf("runRefresh error = %v, want errRefreshUnavailable", err)
	}
}
