package decision

import (
	"bufio"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"floodmesh.ai/internal/sim/model"
	"floodmesh.ai/schemas"
)

const oracleSchemaURL = "oracle_response.schema.json"

var (
	schemaOnce sync.Once
	schemaVal  *jsonschema.Schema
	schemaErr  error
)

func responseSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(oracleSchemaURL, strings.NewReader(schemas.OracleResponse)); err != nil {
			schemaErr = err
			return
		}
		schemaVal, schemaErr = c.Compile(oracleSchemaURL)
	})
	return schemaVal, schemaErr
}

// requiredFields lists the response fields in the order they are checked, with the
// aliases accepted in line format.
var requiredFields = []struct {
	name    string
	aliases []string
}{
	{"decision_type", []string{"decision", "decision_type"}},
	{"confidence", []string{"confidence"}},
	{"reasoning", []string{"reasoning"}},
	{"priority_score", []string{"priority", "priority_score"}},
	{"partnership_strength", []string{"partnership", "partnership_strength"}},
}

// Parser turns raw oracle text into a DecisionRecord.
type Parser struct {
	// RejectNeutral rejects responses whose three scores all equal 0.5, the usual sign of
	// a model echoing a template instead of answering.
	RejectNeutral bool
	Tolerance     float64
}

// Parse accepts a JSON object (optionally inside a code fence) or KEY: value lines.
func (p Parser) Parse(raw string) (model.DecisionRecord, error) {
	text := stripFence(strings.TrimSpace(raw))
	if text == "" {
		return model.DecisionRecord{}, incomplete("response", raw, "empty")
	}
	var (
		rec model.DecisionRecord
		err error
	)
	if strings.HasPrefix(text, "{") {
		rec, err = parseJSON(text, raw)
	} else {
		rec, err = parseLines(text, raw)
	}
	if err != nil {
		return model.DecisionRecord{}, err
	}
	if err := rec.Validate(); err != nil {
		return model.DecisionRecord{}, incomplete("record", raw, "%v", err)
	}
	if p.RejectNeutral && p.neutral(rec) {
		return model.DecisionRecord{}, incomplete("scores", raw, "neutral placeholder scores")
	}
	return rec, nil
}

func (p Parser) neutral(r model.DecisionRecord) bool {
	tol := p.Tolerance
	if tol <= 0 {
		tol = 1e-9
	}
	for _, v := range []float64{r.Confidence, r.Priority, r.Partnership} {
		if math.Abs(v-0.5) > tol {
			return false
		}
	}
	return true
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func parseJSON(text, raw string) (model.DecisionRecord, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return model.DecisionRecord{}, incomplete("response", raw, "invalid json: %v", err)
	}
	for _, f := range requiredFields {
		if _, ok := doc[f.name]; !ok {
			return model.DecisionRecord{}, incomplete(f.name, raw, "missing")
		}
	}
	s, err := responseSchema()
	if err != nil {
		return model.DecisionRecord{}, err
	}
	if err := s.Validate(doc); err != nil {
		field := "response"
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			for len(ve.Causes) > 0 {
				ve = ve.Causes[0]
			}
			if loc := strings.TrimPrefix(ve.InstanceLocation, "/"); loc != "" {
				field = loc
			}
		}
		return model.DecisionRecord{}, incomplete(field, raw, "%v", err)
	}
	var rec model.DecisionRecord
	if err := json.Unmarshal([]byte(text), &rec); err != nil {
		return model.DecisionRecord{}, incomplete("response", raw, "%v", err)
	}
	rec.Reasoning = strings.TrimSpace(rec.Reasoning)
	return rec, nil
}

func parseLines(text, raw string) (model.DecisionRecord, error) {
	values := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.Trim(strings.TrimSpace(key), "*- "))
		if _, seen := values[key]; !seen {
			values[key] = strings.TrimSpace(val)
		}
	}
	lookup := func(aliases []string) (string, bool) {
		for _, a := range aliases {
			if v, ok := values[a]; ok && v != "" {
				return v, true
			}
		}
		return "", false
	}

	var rec model.DecisionRecord
	for _, f := range requiredFields {
		v, ok := lookup(f.aliases)
		if !ok {
			return model.DecisionRecord{}, incomplete(f.name, raw, "missing")
		}
		switch f.name {
		case "decision_type":
			rec.Type = model.DecisionType(strings.ToLower(v))
			if !rec.Type.Valid() {
				return model.DecisionRecord{}, incomplete(f.name, raw, "unknown decision %q", v)
			}
		case "reasoning":
			rec.Reasoning = v
		default:
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return model.DecisionRecord{}, incomplete(f.name, raw, "not a number: %q", v)
			}
			switch f.name {
			case "confidence":
				rec.Confidence = n
			case "priority_score":
				rec.Priority = n
			case "partnership_strength":
				rec.Partnership = n
			}
		}
	}
	return rec, nil
}
