// Package digest hashes one committed simulation buffer. Two runs of the same scenario
// produce the same digest at every tick; replay relies on that.
package digest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"

	"floodmesh.ai/internal/sim/cascade"
	"floodmesh.ai/internal/sim/messaging"
	"floodmesh.ai/internal/sim/model"
	"floodmesh.ai/internal/sim/registry"
)

type hashWriter interface {
	Write(p []byte) (n int, err error)
}

func writeU64(h hashWriter, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

func writeF64(h hashWriter, tmp *[8]byte, v float64) {
	writeU64(h, tmp, math.Float64bits(v))
}

func writeString(h hashWriter, tmp *[8]byte, s string) {
	writeU64(h, tmp, uint64(len(s)))
	h.Write([]byte(s))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// State hashes the tick header, system levels, the cascade arena, every agent's state,
// the bus state including partnership memory, and the tick's deliveries.
func State(tick uint64, stage int, reg *registry.Registry, cs *cascade.State, bus *messaging.State, deliveries []model.Delivery) string {
	h := sha256.New()
	var tmp [8]byte

	writeU64(h, &tmp, tick)
	writeU64(h, &tmp, uint64(stage))

	for _, sys := range cs.SortedSystems() {
		writeString(h, &tmp, string(sys))
		writeF64(h, &tmp, cs.Levels[sys])
		writeF64(h, &tmp, cs.MinLevels[sys])
	}
	events := cs.Events()
	writeU64(h, &tmp, uint64(len(events)))
	for _, ev := range events {
		writeString(h, &tmp, ev.ID)
		writeU64(h, &tmp, ev.TriggerTick)
		writeF64(h, &tmp, ev.Severity)
	}
	for _, id := range cs.ActiveAt(tick) {
		writeString(h, &tmp, id)
	}
	c := cs.Counters
	for _, v := range []int{c.Created, c.Applied, c.Suppressed, c.Deduplicated, c.PeakActive} {
		writeU64(h, &tmp, uint64(v))
	}
	h.Write([]byte{boolByte(c.Overflow)})

	for i := 0; i < reg.Len(); i++ {
		st := reg.State(i)
		writeString(h, &tmp, reg.Persona(i).ID)
		h.Write([]byte{byte(st.Status), boolByte(st.Active), boolByte(st.Disrupted), st.Entered})
		writeU64(h, &tmp, uint64(len(st.Needs)))
		for _, n := range st.Needs {
			writeString(h, &tmp, n)
		}
		writeTicks(h, &tmp, st.LastRequested)
		writeTicks(h, &tmp, st.FirstRequested)
	}

	if bus != nil {
		writeU64(h, &tmp, bus.Seq)
		writeU64(h, &tmp, uint64(bus.ConsecutiveFailures))
		writeU64(h, &tmp, uint64(bus.Memory.Len()))
		bus.Memory.Each(func(pair string, strength float64) {
			writeString(h, &tmp, pair)
			writeF64(h, &tmp, strength)
		})
	}

	writeU64(h, &tmp, uint64(len(deliveries)))
	for i := range deliveries {
		writeDelivery(h, &tmp, &deliveries[i])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeDelivery(h hashWriter, tmp *[8]byte, d *model.Delivery) {
	e := d.Envelope
	writeU64(h, tmp, e.Seq)
	writeU64(h, tmp, e.Tick)
	writeString(h, tmp, e.Sender)
	writeString(h, tmp, e.Receiver)
	writeString(h, tmp, string(e.Intent))
	writeString(h, tmp, e.Payload.Need)
	writeF64(h, tmp, e.Payload.Urgency)
	writeString(h, tmp, e.Payload.Context)
	writeString(h, tmp, string(d.Outcome))
	writeU64(h, tmp, uint64(d.Attempts))
	writeU64(h, tmp, uint64(d.Recipients))
	writeU64(h, tmp, uint64(d.Reached))
	h.Write([]byte{boolByte(d.Delivered), boolByte(d.Realized), boolByte(d.Decision != nil)})
	if r := d.Decision; r != nil {
		writeString(h, tmp, string(r.Type))
		writeF64(h, tmp, r.Confidence)
		writeString(h, tmp, r.Reasoning)
		writeF64(h, tmp, r.Priority)
		writeF64(h, tmp, r.Partnership)
	}
	writeString(h, tmp, d.OracleError)
	writeF64(h, tmp, d.SuccessProb)
}

func writeTicks(h hashWriter, tmp *[8]byte, m map[string]uint64) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeU64(h, tmp, uint64(len(keys)))
	for _, k := range keys {
		writeString(h, tmp, k)
		writeU64(h, tmp, m[k])
	}
}
