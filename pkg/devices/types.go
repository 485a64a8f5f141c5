// Copyright 2025 The shellybridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package devices describes the device families the bridge accepts: the
// mapping from the device class announced in the MQTT client identifier to
// the firmware model code and protocol generation, plus the directory of
// devices allowed to connect.
package devices

// Generation identifies the topic-naming and RPC convention a device
// firmware family speaks. The two generations are wire-incompatible.
type Generation int

const (
	// Gen1 devices publish under the fixed "shellies/" namespace and use
	// the CoIoT-era HTTP settings endpoint.
	Gen1 Generation = 1
	// Gen2 devices publish under a free-form prefix and speak JSON-RPC.
	Gen2 Generation = 2
)

// Definition describes one device class.
type Definition struct {
	// Model is the firmware model code, e.g. "SHPLG-S".
	Model string
	// Generation is the protocol generation of the class.
	Generation Generation
}

// TypeTable resolves a device class to its definition.
type TypeTable interface {
	// Lookup returns the definition for class and whether it is known.
	Lookup(class string) (Definition, bool)
}

// builtinTypes maps the announced device class to its model code and
// generation for the supported device families.
var builtinTypes = map[string]Definition{
	// Generation 1
	"shelly1":        {Model: "SHSW-1", Generation: Gen1},
	"shelly1l":       {Model: "SHSW-L", Generation: Gen1},
	"shelly1pm":      {Model: "SHSW-PM", Generation: Gen1},
	"shellyswitch":   {Model: "SHSW-21", Generation: Gen1},
	"shellyswitch25": {Model: "SHSW-25", Generation: Gen1},
	"shelly4pro":     {Model: "SHSW-44", Generation: Gen1},
	"shellyplug":     {Model: "SHPLG-1", Generation: Gen1},
	"shellyplug-s":   {Model: "SHPLG-S", Generation: Gen1},
	"shellyht":       {Model: "SHHT-1", Generation: Gen1},
	"shellyflood":    {Model: "SHWT-1", Generation: Gen1},
	"shellysmoke":    {Model: "SHSM-01", Generation: Gen1},
	"shellydw":       {Model: "SHDW-1", Generation: Gen1},
	"shellydw2":      {Model: "SHDW-2", Generation: Gen1},
	"shellydimmer":   {Model: "SHDM-1", Generation: Gen1},
	"shellydimmer2":  {Model: "SHDM-2", Generation: Gen1},
	"shellyrgbw2":    {Model: "SHRGBW2", Generation: Gen1},
	"shellybulb":     {Model: "SHBLB-1", Generation: Gen1},
	"shellybulbduo":  {Model: "SHBDUO-1", Generation: Gen1},
	"shellyem":       {Model: "SHEM", Generation: Gen1},
	"shellyem3":      {Model: "SHEM-3", Generation: Gen1},
	"shellyuni":      {Model: "SHUNI-1", Generation: Gen1},
	"shellybutton1":  {Model: "SHBTN-2", Generation: Gen1},
	"shellygas":      {Model: "SHGS-1", Generation: Gen1},
	"shellytrv":      {Model: "SHTRV-01", Generation: Gen1},

	// Generation 2
	"shellyplus1":     {Model: "SNSW-001X16EU", Generation: Gen2},
	"shellyplus1pm":   {Model: "SNSW-001P16EU", Generation: Gen2},
	"shellyplus2pm":   {Model: "SNSW-002P16EU", Generation: Gen2},
	"shellyplusi4":    {Model: "SNSN-0024X", Generation: Gen2},
	"shellyplusht":    {Model: "SNSN-0013A", Generation: Gen2},
	"shellyplusplug":  {Model: "SNPL-00110IT", Generation: Gen2},
	"shellyplusplugs": {Model: "SNPL-00112EU", Generation: Gen2},
	"shellypro1":      {Model: "SPSW-001XE16EU", Generation: Gen2},
	"shellypro1pm":    {Model: "SPSW-001PE16EU", Generation: Gen2},
	"shellypro2":      {Model: "SPSW-002XE16EU", Generation: Gen2},
	"shellypro2pm":    {Model: "SPSW-002PE16EU", Generation: Gen2},
	"shellypro3":      {Model: "SPSW-003XE16EU", Generation: Gen2},
	"shellypro4pm":    {Model: "SPSW-004PE16EU", Generation: Gen2},
	"shellyprodm1pm":  {Model: "SPDM-001PE01EU", Generation: Gen2},
	"shellyproem50":   {Model: "SPEM-002CEBEU50", Generation: Gen2},
}

// BuiltinTypeTable is a TypeTable over the compiled-in device families.
type BuiltinTypeTable struct{}

// NewBuiltinTypeTable returns the table of compiled-in device families.
func NewBuiltinTypeTable() *BuiltinTypeTable {
	return &BuiltinTypeTable{}
}

// Lookup returns the definition for class and whether it is known.
func (t *BuiltinTypeTable) Lookup(class string) (Definition, bool) {
	def, ok := builtinTypes[class]
	return def, ok
}
