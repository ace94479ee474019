package engine

// NextTurn moves the turn pointer one seat along n participants.
// wrapped is true when the pointer goes back to the first seat, i.e. a round just ended.
func NextTurn(cursor, n int) (next int, wrapped bool) {
	if n <= 0 {
		return 0, false
	}
	next = (cursor%n + 1) % n
	return next, next == 0
}

// TurnIndex clamps a stored cursor onto the current seat count (participants can leave).
func TurnIndex(cursor, n int) int {
	if n <= 0 {
		return 0
	}
	if cursor < 0 {
		cursor = -cursor
	}
	return cursor % n
}
