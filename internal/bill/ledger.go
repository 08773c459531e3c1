package bill

import (
	"fmt"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/xid"
)

// SetLineQuantity changes a line's quantity; 0 removes the line. The line may
// not drop below the units held by combo slots, and may not grow past the last
// stock snapshot of its product.
func (s *Session) SetLineQuantity(lineID string, qty int) error {
	if qty < 0 {
		return ErrInvalidQuantity
	}
	idx := s.lineIndex(lineID)
	if idx < 0 {
		return ErrLineNotFound
	}
	line := s.lines[idx]

	consumed := s.ConsumedQuantity(lineID)
	if qty < consumed {
		return fmt.Errorf("%w: %d unit(s) in combo slots", ErrLineConsumed, consumed)
	}
	if qty > line.Quantity {
		if stock, ok := s.stock[line.SKU]; ok {
			if s.skuQuantity(line.SKU)-line.Quantity+qty > stock {
				return ErrInsufficientStock
			}
		}
	}

	if qty == 0 {
		s.lines = append(s.lines[:idx], s.lines[idx+1:]...)
	} else {
		s.lines[idx].Quantity = qty
	}
	s.reprice()
	s.logger.Debug().Str("cart_line_id", lineID).Int("quantity", qty).Msg("line quantity set")
	return nil
}

// UpdateStock records a fresh catalog stock figure for sku, used by later
// quantity increases.
func (s *Session) UpdateStock(sku string, stock int) {
	s.stock[sku] = stock
}

func (s *Session) RemoveLine(lineID string) error {
	idx := s.lineIndex(lineID)
	if idx < 0 {
		return ErrLineNotFound
	}
	if consumed := s.ConsumedQuantity(lineID); consumed > 0 {
		return fmt.Errorf("%w: %d unit(s) in combo slots", ErrLineConsumed, consumed)
	}
	s.lines = append(s.lines[:idx], s.lines[idx+1:]...)
	s.reprice()
	s.logger.Debug().Str("cart_line_id", lineID).Msg("line removed")
	return nil
}

func (s *Session) lineIndex(lineID string) int {
	for i := range s.lines {
		if s.lines[i].ID == lineID {
			return i
		}
	}
	return -1
}

// skuQuantity is the quantity of sku across every line of the ledger.
func (s *Session) skuQuantity(sku string) int {
	total := 0
	for _, line := range s.lines {
		if line.SKU == sku {
			total += line.Quantity
		}
	}
	return total
}

// freeLineIndex returns the first line of sku that still has units outside
// combo slots, or -1.
func (s *Session) freeLineIndex(sku string, consumed map[string]int) int {
	for i, line := range s.lines {
		if line.SKU == sku && line.Quantity-consumed[line.ID] > 0 {
			return i
		}
	}
	return -1
}

func (s *Session) firstLineIndex(sku string) int {
	for i, line := range s.lines {
		if line.SKU == sku {
			return i
		}
	}
	return -1
}

func (s *Session) appendLine(sku, name string, unitPrice int64, qty int) string {
	line := domain.CartLine{
		ID:                     xid.New("line"),
		SKU:                    sku,
		Name:                   name,
		UnitPriceCents:         unitPrice,
		OriginalUnitPriceCents: unitPrice,
		Quantity:               qty,
	}
	s.lines = append(s.lines, line)
	return line.ID
}
