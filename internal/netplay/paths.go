package netplay

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// All realtime data lives two levels under signals/, the only subtree the
// store's access rules leave open: signals/{lobby}/mm for matchmaking and
// signals/{room}/{meta,players,states,events} for a match.

func lobbyPath(lobbyID string) string {
	return "signals/" + lobbyID + "/mm"
}

func slotsPath(lobbyID string) string {
	return lobbyPath(lobbyID) + "/slots"
}

func slotPath(lobbyID string, slot int) string {
	return fmt.Sprintf("%s/slots/%d", lobbyPath(lobbyID), slot)
}

func metaPath(roomID string) string {
	return "signals/" + roomID + "/meta"
}

func playersPath(roomID string) string {
	return "signals/" + roomID + "/players"
}

func playerPath(roomID, pid string) string {
	return playersPath(roomID) + "/" + pid
}

func statesPath(roomID string) string {
	return "signals/" + roomID + "/states"
}

func statePath(roomID, pid string) string {
	return statesPath(roomID) + "/" + pid
}

func eventsPath(roomID string) string {
	return "signals/" + roomID + "/events"
}

func eventPath(roomID, key string) string {
	return eventsPath(roomID) + "/" + key
}

const idCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

// makeID returns a short random lowercase identifier for room keys and
// player ids. Fresh per join attempt, never reused across reconnects.
func makeID(length int) string {
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(idCharset))))
		if err != nil {
			// crypto/rand only fails when the platform source is broken;
			// a fixed character beats aborting a join.
			b[i] = idCharset[0]
			continue
		}
		b[i] = idCharset[n.Int64()]
	}
	return string(b)
}
