package router

import (
	"testing"

	"main/internal/schema"
)

func TestPositionAveragesOnGrowth(t *testing.T) {
	p := NewPositionBook()

	pos := p.ApplyFill(1, schema.SideBuy, d("100"), d("2"))
	if !pos.Quantity.Equal(d("2")) || !pos.AvgCost.Equal(d("100")) {
		t.Fatalf("unexpected position: %+v", pos)
	}

	// 2 @ 100 + 2 @ 110 -> 4 @ 105.
	pos = p.ApplyFill(1, schema.SideBuy, d("110"), d("2"))
	if !pos.Quantity.Equal(d("4")) || !pos.AvgCost.Equal(d("105")) {
		t.Fatalf("unexpected position: %+v", pos)
	}
}

func TestPositionReductionKeepsEntryCost(t *testing.T) {
	p := NewPositionBook()
	p.ApplyFill(1, schema.SideBuy, d("100"), d("4"))

	pos := p.ApplyFill(1, schema.SideSell, d("120"), d("1"))
	if !pos.Quantity.Equal(d("3")) || !pos.AvgCost.Equal(d("100")) {
		t.Fatalf("reduction moved the entry cost: %+v", pos)
	}

	// Selling the rest flattens the book.
	pos = p.ApplyFill(1, schema.SideSell, d("120"), d("3"))
	if pos.Quantity.Sign() != 0 || pos.AvgCost.Sign() != 0 {
		t.Fatalf("flat position not zeroed: %+v", pos)
	}
}

func TestPositionFlipRestartsCost(t *testing.T) {
	p := NewPositionBook()
	p.ApplyFill(1, schema.SideBuy, d("100"), d("2"))

	// Sell 5 against a long 2: now short 3, entered at the fill price.
	pos := p.ApplyFill(1, schema.SideSell, d("95"), d("5"))
	if !pos.Quantity.Equal(d("-3")) || !pos.AvgCost.Equal(d("95")) {
		t.Fatalf("unexpected position after flip: %+v", pos)
	}

	// Short grows: weighted average of 3 @ 95 and 3 @ 93.
	pos = p.ApplyFill(1, schema.SideSell, d("93"), d("3"))
	if !pos.Quantity.Equal(d("-6")) || !pos.AvgCost.Equal(d("94")) {
		t.Fatalf("unexpected short position: %+v", pos)
	}
}

func TestPositionZeroQuantityFillIgnored(t *testing.T) {
	p := NewPositionBook()
	p.ApplyFill(1, schema.SideBuy, d("100"), d("2"))

	pos := p.ApplyFill(1, schema.SideBuy, d("200"), d("0"))
	if !pos.Quantity.Equal(d("2")) || !pos.AvgCost.Equal(d("100")) {
		t.Fatalf("zero fill mutated position: %+v", pos)
	}
	if p.Count() != 1 {
		t.Fatalf("expected 1 tracked symbol, got %d", p.Count())
	}
}
