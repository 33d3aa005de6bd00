package catalogs

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"floodmesh.ai/internal/sim/model"
)

const (
	PersonasFile        = "personas.ndjson"
	InterdependencyFile = "interdependencies.json"
	InfrastructureFile  = "infrastructure.json"
	SectorsFile         = "sectors.json"
	wildcardSector      = "*"
)

type Catalogs struct {
	Personas PersonaCatalog
	Graph    GraphCatalog
	Infra    InfraCatalog
	Sectors  SectorCatalog
}

type PersonaCatalog struct {
	List   []*model.Persona // file order; this is the insertion order used for tie-breaks
	ByID   map[string]*model.Persona
	Digest string
}

// PersonaDef is one line of personas.ndjson.
type PersonaDef struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Sector        string            `json:"sector"`
	Capabilities  []string          `json:"capabilities"`
	Needs         []string          `json:"needs"`
	Vulnerability float64           `json:"vulnerability"`
	Exposure      float64           `json:"exposure"`
	Priority      float64           `json:"priority"`
	Escalation    map[string]string `json:"escalation,omitempty"`
	Comm          *CommDef          `json:"comm,omitempty"`
}

type CommDef struct {
	BroadcastThreshold string `json:"broadcast_threshold"`
	RedundancyFactor   int    `json:"redundancy_factor"`
	ResponseDelay      int    `json:"response_delay"`
}

type GraphCatalog struct {
	Edges  []model.Interdependency // sorted by id
	ByID   map[string]model.Interdependency
	Digest string
}

type InfraCatalog struct {
	Systems            []model.SystemID
	HazardImpacts      map[string]map[model.SystemID]float64
	SystemCapabilities map[model.SystemID][]string
	Digest             string

	known map[model.SystemID]bool
}

type InfraDef struct {
	Systems            []model.SystemID                      `json:"systems"`
	HazardImpacts      map[string]map[model.SystemID]float64 `json:"hazard_impacts"`
	SystemCapabilities map[model.SystemID][]string           `json:"system_capabilities"`
}

type SectorCatalog struct {
	NeedCapabilities map[string][]string
	EscalationNeeds  map[string]map[model.Status][]string
	Digest           string
}

type SectorDef struct {
	NeedCapabilities map[string][]string            `json:"need_capabilities"`
	EscalationNeeds  map[string]map[string][]string `json:"escalation_needs"`
}

func Load(configDir string) (*Catalogs, error) {
	personas, err := readPersonas(filepath.Join(configDir, PersonasFile))
	if err != nil {
		return nil, err
	}
	var edges []model.Interdependency
	if err := readJSON(filepath.Join(configDir, InterdependencyFile), &edges); err != nil {
		return nil, err
	}
	var infra InfraDef
	if err := readJSON(filepath.Join(configDir, InfrastructureFile), &infra); err != nil {
		return nil, err
	}
	var sectors SectorDef
	if err := readJSON(filepath.Join(configDir, SectorsFile), &sectors); err != nil {
		return nil, err
	}
	return Build(personas, edges, infra, sectors)
}

// Build validates and indexes catalogue definitions. Every validation failure is a
// *model.ConfigError.
func Build(personas []PersonaDef, edges []model.Interdependency, infra InfraDef, sectors SectorDef) (*Catalogs, error) {
	var c Catalogs
	if err := buildInfra(infra, &c.Infra); err != nil {
		return nil, err
	}
	if err := buildGraph(edges, &c.Infra, &c.Graph); err != nil {
		return nil, err
	}
	if err := buildSectors(sectors, &c.Sectors); err != nil {
		return nil, err
	}
	if err := buildPersonas(personas, &c.Personas); err != nil {
		return nil, err
	}
	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func digestOf(v any) string {
	b, _ := json.Marshal(v)
	return sha256Hex(b)
}

func readJSON(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}

func readPersonas(path string) ([]PersonaDef, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePersonas(raw)
}

// ParsePersonas decodes NDJSON persona records, skipping blank lines.
func ParsePersonas(raw []byte) ([]PersonaDef, error) {
	var out []PersonaDef
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var d PersonaDef
		if err := json.Unmarshal(b, &d); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", PersonasFile, line, err)
		}
		out = append(out, d)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", PersonasFile, err)
	}
	return out, nil
}

func buildInfra(def InfraDef, out *InfraCatalog) error {
	systems := def.Systems
	if len(systems) == 0 {
		systems = model.DefaultSystems
	}
	out.known = map[model.SystemID]bool{}
	for _, s := range systems {
		if s == "" {
			return model.ConfigErrorf(InfrastructureFile, "systems", "empty system id")
		}
		if out.known[s] {
			return model.ConfigErrorf(InfrastructureFile, "systems", "duplicate system %q", s)
		}
		out.known[s] = true
		out.Systems = append(out.Systems, s)
	}
	out.HazardImpacts = map[string]map[model.SystemID]float64{}
	for hz, impacts := range def.HazardImpacts {
		m := map[model.SystemID]float64{}
		for sys, w := range impacts {
			if !out.known[sys] {
				return model.ConfigErrorf(InfrastructureFile, "hazard_impacts."+hz, "unknown system %q", sys)
			}
			if w < 0 || w > 1 {
				return model.ConfigErrorf(InfrastructureFile, "hazard_impacts."+hz, "weight %v for %s out of [0,1]", w, sys)
			}
			m[sys] = w
		}
		out.HazardImpacts[strings.ToLower(hz)] = m
	}
	out.SystemCapabilities = map[model.SystemID][]string{}
	for sys, caps := range def.SystemCapabilities {
		if !out.known[sys] {
			return model.ConfigErrorf(InfrastructureFile, "system_capabilities", "unknown system %q", sys)
		}
		out.SystemCapabilities[sys] = uniqueSorted(caps)
	}
	out.Digest = digestOf(struct {
		Systems []model.SystemID
		Def     InfraDef
	}{out.Systems, def})
	return nil
}

func (c *InfraCatalog) Known(id model.SystemID) bool { return c.known[id] }

// SystemsFor returns the systems an agent with these capabilities depends on, in table order.
func (c *InfraCatalog) SystemsFor(caps []string) []model.SystemID {
	var out []model.SystemID
	for _, sys := range c.Systems {
		for _, cp := range c.SystemCapabilities[sys] {
			if containsSorted(caps, cp) {
				out = append(out, sys)
				break
			}
		}
	}
	return out
}

func buildGraph(edges []model.Interdependency, infra *InfraCatalog, out *GraphCatalog) error {
	out.ByID = map[string]model.Interdependency{}
	for _, e := range edges {
		if err := e.Validate(infra.Known); err != nil {
			return model.ConfigErrorf(InterdependencyFile, e.ID, "%v", err)
		}
		if _, dup := out.ByID[e.ID]; dup {
			return model.ConfigErrorf(InterdependencyFile, e.ID, "duplicate id")
		}
		out.ByID[e.ID] = e
	}
	out.Edges = make([]model.Interdependency, 0, len(out.ByID))
	for _, e := range out.ByID {
		out.Edges = append(out.Edges, e)
	}
	sort.Slice(out.Edges, func(i, j int) bool { return out.Edges[i].ID < out.Edges[j].ID })
	out.Digest = digestOf(out.Edges)
	return nil
}

func buildSectors(def SectorDef, out *SectorCatalog) error {
	out.NeedCapabilities = map[string][]string{}
	for need, caps := range def.NeedCapabilities {
		out.NeedCapabilities[need] = uniqueSorted(append([]string{need}, caps...))
	}
	out.EscalationNeeds = map[string]map[model.Status][]string{}
	for sector, byStatus := range def.EscalationNeeds {
		if sector != wildcardSector {
			if _, err := model.ParseSector(sector); err != nil {
				return model.ConfigErrorf(SectorsFile, "escalation_needs", "%v", err)
			}
		}
		m := map[model.Status][]string{}
		for st, needs := range byStatus {
			status, err := model.ParseStatus(st)
			if err != nil {
				return model.ConfigErrorf(SectorsFile, "escalation_needs."+sector, "%v", err)
			}
			if status == model.StatusNormal {
				return model.ConfigErrorf(SectorsFile, "escalation_needs."+sector, "normal status cannot add needs")
			}
			m[status] = append([]string(nil), needs...)
		}
		out.EscalationNeeds[sector] = m
	}
	out.Digest = digestOf(def)
	return nil
}

// CapabilitiesFor lists the capabilities that can satisfy a need. A need is always
// satisfiable by a capability of the same name.
func (c *SectorCatalog) CapabilitiesFor(need string) []string {
	if caps, ok := c.NeedCapabilities[need]; ok {
		return caps
	}
	return []string{need}
}

// EscalationNeeds returns the needs gained on first entry into status: wildcard entries
// first, then sector entries.
func (c *SectorCatalog) EscalationNeedsFor(sector model.Sector, status model.Status) []string {
	var out []string
	out = append(out, c.EscalationNeeds[wildcardSector][status]...)
	out = append(out, c.EscalationNeeds[string(sector)][status]...)
	return out
}

func buildPersonas(defs []PersonaDef, out *PersonaCatalog) error {
	out.ByID = map[string]*model.Persona{}
	for i, d := range defs {
		p, err := personaFromDef(d)
		if err != nil {
			return err
		}
		if _, dup := out.ByID[p.ID]; dup {
			return model.ConfigErrorf(PersonasFile, p.ID, "duplicate id (record %d)", i+1)
		}
		out.ByID[p.ID] = p
		out.List = append(out.List, p)
	}
	out.Digest = digestOf(defs)
	return nil
}

func personaFromDef(d PersonaDef) (*model.Persona, error) {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return nil, model.ConfigErrorf(PersonasFile, "id", "empty agent id")
	}
	sector, err := model.ParseSector(d.Sector)
	if err != nil {
		return nil, model.ConfigErrorf(PersonasFile, id, "%v", err)
	}
	if d.Vulnerability < 0 || d.Vulnerability > 1 {
		return nil, model.ConfigErrorf(PersonasFile, id, "vulnerability %v out of [0,1]", d.Vulnerability)
	}
	if d.Exposure < 0 || d.Exposure > 1 {
		return nil, model.ConfigErrorf(PersonasFile, id, "exposure %v out of [0,1]", d.Exposure)
	}
	if d.Priority < 0 {
		return nil, model.ConfigErrorf(PersonasFile, id, "priority %v < 0", d.Priority)
	}
	p := &model.Persona{
		ID:            id,
		Name:          d.Name,
		Sector:        sector,
		Capabilities:  uniqueSorted(d.Capabilities),
		InitialNeeds:  uniqueOrdered(d.Needs),
		Vulnerability: d.Vulnerability,
		Exposure:      d.Exposure,
		Priority:      d.Priority,
	}
	if p.Name == "" {
		p.Name = id
	}

	if len(d.Escalation) == 0 {
		p.Escalation = DefaultEscalation(d.Vulnerability)
	} else {
		p.Escalation = map[int]model.Status{}
		for k, v := range d.Escalation {
			stage, err := strconv.Atoi(strings.TrimPrefix(k, "stage_"))
			if err != nil || stage < 0 {
				return nil, model.ConfigErrorf(PersonasFile, id, "bad escalation stage %q", k)
			}
			st, err := model.ParseStatus(v)
			if err != nil {
				return nil, model.ConfigErrorf(PersonasFile, id, "escalation stage %d: %v", stage, err)
			}
			p.Escalation[stage] = st
		}
	}

	if d.Comm == nil {
		p.Comm = DefaultComm(sector, d.Priority)
	} else {
		th, err := model.ParseStatus(d.Comm.BroadcastThreshold)
		if err != nil {
			return nil, model.ConfigErrorf(PersonasFile, id, "broadcast_threshold: %v", err)
		}
		if d.Comm.RedundancyFactor < 1 {
			return nil, model.ConfigErrorf(PersonasFile, id, "redundancy_factor %d < 1", d.Comm.RedundancyFactor)
		}
		if d.Comm.ResponseDelay < 0 {
			return nil, model.ConfigErrorf(PersonasFile, id, "response_delay %d < 0", d.Comm.ResponseDelay)
		}
		p.Comm = model.CommProfile{
			BroadcastThreshold: th,
			RedundancyFactor:   d.Comm.RedundancyFactor,
			ResponseDelay:      d.Comm.ResponseDelay,
		}
	}
	return p, nil
}

// DefaultEscalation is used for personas without an explicit map: more vulnerable places
// escalate one stage earlier.
func DefaultEscalation(vulnerability float64) map[int]model.Status {
	m := map[int]model.Status{0: model.StatusNormal, 1: model.StatusNormal, 2: model.StatusAlert, 3: model.StatusEmergency}
	if vulnerability > 0.6 {
		m[1] = model.StatusAlert
	}
	if vulnerability > 0.4 {
		m[2] = model.StatusCritical
	}
	return m
}

func DefaultComm(sector model.Sector, priority float64) model.CommProfile {
	c := model.CommProfile{BroadcastThreshold: model.StatusCritical, RedundancyFactor: 1, ResponseDelay: 1}
	switch sector {
	case model.SectorTransport:
		c.BroadcastThreshold = model.StatusAlert
	case model.SectorHeritage:
		c.ResponseDelay = 2
	}
	if priority > 8 {
		c.RedundancyFactor = 2
	}
	return c
}

func uniqueSorted(in []string) []string {
	out := uniqueOrdered(in)
	sort.Strings(out)
	return out
}

func uniqueOrdered(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func containsSorted(list []string, s string) bool {
	i := sort.SearchStrings(list, s)
	return i < len(list) && list[i] == s
}
