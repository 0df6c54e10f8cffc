package types

import "testing"

func TestSideOpposite(t *testing.T) {
	if BUY.Opposite() != SELL {
		t.Errorf("BUY.Opposite() = %v, want SELL", BUY.Opposite())
	}
	if SELL.Opposite() != BUY {
		t.Errorf("SELL.Opposite() = %v, want BUY", SELL.Opposite())
	}
}

func TestOrderStatusIsTerminal(t *testing.T) {
	cases := map[OrderStatus]bool{
		StatusNew:             false,
		StatusPartiallyFilled: false,
		StatusFilled:          true,
		StatusCanceled:        true,
		StatusExpired:         true,
		StatusRejected:        true,
	}
	for status, want := range cases {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%v.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestOrderTypeFamilies(t *testing.T) {
	if !OrderTypeMarket.IsMarketFamily() {
		t.Error("MARKET should be market family")
	}
	if OrderTypeLimit.IsMarketFamily() {
		t.Error("LIMIT should not be market family")
	}
	if !OrderTypeStopMarket.IsStopFamily() {
		t.Error("STOP_MARKET should be stop family")
	}
	if OrderTypeMarket.IsStopFamily() {
		t.Error("MARKET should not be stop family")
	}
}

func TestResultEnvelope(t *testing.T) {
	r := Ok(map[string]int{"x": 1})
	if !r.Success || r.Error != nil {
		t.Fatalf("Ok() produced failed envelope: %+v", r)
	}
	if r.TimestampMs == 0 {
		t.Error("expected non-zero timestamp")
	}

	f := Fail(NewError(ErrValidation, "bad input"))
	if f.Success {
		t.Fatal("Fail() produced successful envelope")
	}
	if f.Error.Kind != ErrValidation {
		t.Errorf("Error.Kind = %v, want %v", f.Error.Kind, ErrValidation)
	}
}

func TestResultWithQualityFlagsCapped(t *testing.T) {
	r := Ok(nil).WithQualityFlags("a", "b", "c", "d", "e", "f", "g", "h")
	if len(r.QualityFlags) != 6 {
		t.Errorf("len(QualityFlags) = %d, want 6", len(r.QualityFlags))
	}
}

func TestOrderBookSnapshotBestBidAsk(t *testing.T) {
	snap := OrderBookSnapshot{
		Symbol: "BTCUSDT",
		Bids:   []PriceLevelF{{Price: 100, Qty: 1}},
		Asks:   []PriceLevelF{{Price: 101, Qty: 1}},
	}
	bid, ask, mid, spread, spreadBps, crossed, ok := snap.BestBidAsk()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if bid != 100 || ask != 101 || mid != 100.5 || spread != 1 {
		t.Errorf("got bid=%v ask=%v mid=%v spread=%v", bid, ask, mid, spread)
	}
	if spreadBps <= 0 {
		t.Error("expected positive spread bps")
	}
	if crossed {
		t.Error("book should not be crossed")
	}
}

func TestOrderBookSnapshotEmpty(t *testing.T) {
	var snap OrderBookSnapshot
	_, _, _, _, _, _, ok := snap.BestBidAsk()
	if ok {
		t.Error("expected ok=false for empty book")
	}
}
