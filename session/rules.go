package session

import "github.com/onnwee/roomwatch/live"

// isKickOut reports whether c evicts the seat of user. Only directives in the
// assigned room count, and a user without a seat is never evicted.
func isKickOut(c live.Chat, assigned live.RoomPosition, user live.User) bool {
	if c.Room != assigned || !user.HasSeat() {
		return false
	}
	seat, ok := live.SeatDirective(c.Comment)
	return ok && seat == user.SeatNo
}

// isRemoteDisconnect reports whether c is the platform ending the broadcast.
func isRemoteDisconnect(c live.Chat) bool {
	return live.IsDisconnectCommand(c.Comment) && c.IsSystemOrCaster() && c.Room == live.Arena
}

// opensNextRoom reports whether c can be the first audience chat of its room.
func opensNextRoom(c live.Chat) bool { return c.IsOrdinary() }
