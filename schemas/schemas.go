// Package schemas embeds the JSON Schemas shipped with the module so runtime validation
// and the schema tests read the same files.
package schemas

import _ "embed"

//go:embed oracle_response.schema.json
var OracleResponse string

//go:embed observer_tick.schema.json
var ObserverTick string

//go:embed subscribe.schema.json
var Subscribe string
