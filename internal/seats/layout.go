// Package seats derives seat layouts from bus capacity and guards the
// reservation path for a bus.
package seats

import (
	"sort"

	"github.com/example/fleet-realtime/internal/apperr"
	"github.com/example/fleet-realtime/internal/models"
)

// layouts maps a supported capacity to seats per row, front to back. A row
// of one is the single seat beside the driver.
var layouts = map[int][]int{
	11: {1, 3, 3, 4},
	14: {1, 3, 3, 3, 4},
	18: {1, 4, 4, 4, 5},
	25: {1, 4, 4, 4, 4, 4, 4},
	33: {1, 4, 4, 4, 4, 4, 4, 4, 4},
	51: {3, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4},
}

// SupportedCapacities lists the capacities with a known layout, ascending.
func SupportedCapacities() []int {
	out := make([]int, 0, len(layouts))
	for c := range layouts {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

// RowsFor returns the per-row seat counts for capacity.
func RowsFor(capacity int) ([]int, error) {
	rows, ok := layouts[capacity]
	if !ok {
		return nil, apperr.Validation("no seat layout for capacity %d (supported: %v)", capacity, SupportedCapacities())
	}
	return append([]int(nil), rows...), nil
}

// Category classifies column col (1-based) in a row holding rowSize seats.
func Category(rowSize, col int) models.SeatCategory {
	switch {
	case rowSize == 1:
		return models.SeatSingle
	case col == 1 || col == rowSize:
		return models.SeatWindow
	case col == 2 || col == rowSize-1:
		return models.SeatAisle
	default:
		return models.SeatMiddle
	}
}

// Layout materializes every seat of bus, numbered 1..capacity row by row.
// Seat ids are left empty for the store to assign.
func Layout(bus models.Bus) ([]models.Seat, error) {
	rows, err := RowsFor(bus.Capacity)
	if err != nil {
		return nil, err
	}
	out := make([]models.Seat, 0, bus.Capacity)
	number := 1
	for r, size := range rows {
		for c := 1; c <= size; c++ {
			out = append(out, models.Seat{
				BusID:    bus.ID,
				Number:   number,
				Row:      r + 1,
				Column:   c,
				Category: Category(size, c),
				Price:    bus.SeatPrice,
				Status:   models.SeatAvailable,
			})
			number++
		}
	}
	return out, nil
}
