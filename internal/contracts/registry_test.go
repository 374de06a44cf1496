package contracts

import (
	"testing"
	"time"
)

func TestFrontMonthBeforeRoll(t *testing.T) {
	// March 10th: still inside the roll window, H contract is front.
	id, err := FrontMonthID("ES", time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FrontMonthID: %v", err)
	}
	if id != "CON.F.US.EP.H26" {
		t.Errorf("id = %s, want CON.F.US.EP.H26", id)
	}
}

func TestFrontMonthAfterRoll(t *testing.T) {
	// March 16th: past the roll day, June takes over.
	id, err := FrontMonthID("ES", time.Date(2026, time.March, 16, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FrontMonthID: %v", err)
	}
	if id != "CON.F.US.EP.M26" {
		t.Errorf("id = %s, want CON.F.US.EP.M26", id)
	}
}

func TestFrontMonthYearWrap(t *testing.T) {
	// Late December rolls into next year's March contract.
	id, err := FrontMonthID("NQ", time.Date(2026, time.December, 20, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FrontMonthID: %v", err)
	}
	if id != "CON.F.US.ENQ.H27" {
		t.Errorf("id = %s, want CON.F.US.ENQ.H27", id)
	}
}

func TestFrontMonthNonQuarterlyCycle(t *testing.T) {
	// Crude trades the FJNV cycle: February maps to April.
	id, err := FrontMonthID("CL", time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FrontMonthID: %v", err)
	}
	if id != "CON.F.US.CLE.J26" {
		t.Errorf("id = %s, want CON.F.US.CLE.J26", id)
	}
}

func TestFrontMonthUnknownSymbol(t *testing.T) {
	if _, err := FrontMonthID("BTC", time.Now()); err == nil {
		t.Error("unknown symbol should error")
	}
}

func TestMicroUnits(t *testing.T) {
	tests := []struct {
		symbol string
		qty    int
		want   float64
	}{
		{"ES", 1, 10},
		{"MES", 1, 1},
		{"ES", 3, 30},
		{"mes", 5, 5},   // lookup is case insensitive
		{"XYZ", 4, 4},   // unknown symbols count 1:1
	}
	for _, tt := range tests {
		if got := MicroUnits(tt.symbol, tt.qty); got != tt.want {
			t.Errorf("MicroUnits(%s, %d) = %v, want %v", tt.symbol, tt.qty, got, tt.want)
		}
	}
}

func TestPointValueFor(t *testing.T) {
	if got := PointValueFor("ES"); got != 50 {
		t.Errorf("ES point value = %v, want 50", got)
	}
	if got := PointValueFor("MES"); got != 5 {
		t.Errorf("MES point value = %v, want 5", got)
	}
	if got := PointValueFor("MNQ"); got != 2 {
		t.Errorf("MNQ point value = %v, want 2", got)
	}
}
