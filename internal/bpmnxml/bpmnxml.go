// Package bpmnxml parses BPMN 2.0 process XML retrieved from the engine into
// the per-element metadata the core needs: extension properties, attached
// documentation and the display name (§3 DiagramElementMetadata). Namespaces
// and the set of task element types are grounded on the BPMN/Camunda
// converter used upstream of this system (bpmn_converter.py).
package bpmnxml

import (
	"encoding/xml"
	"fmt"
)

// XML namespace URIs used by Camunda-flavored BPMN 2.0 documents.
const (
	NamespaceBPMN    = "http://www.omg.org/spec/BPMN/20100524/MODEL"
	NamespaceBPMNDI   = "http://www.omg.org/spec/BPMN/20100524/DI"
	NamespaceDI       = "http://www.omg.org/spec/DD/20100524/DI"
	NamespaceDC       = "http://www.omg.org/spec/DD/20100524/DC"
	NamespaceCamunda  = "http://camunda.org/schema/1.0/bpmn"
	NamespaceXSI      = "http://www.w3.org/2001/XMLSchema-instance"
)

// activityElementNames are the BPMN local element names the core treats as
// task-bearing activities. Elements of other kinds (gateways, events,
// sequence flows) are parsed for structure only, never as DiagramElementMetadata
// lookup targets.
var activityElementNames = map[string]bool{
	"task":          true,
	"userTask":      true,
	"manualTask":    true,
	"serviceTask":   true,
	"scriptTask":    true,
	"callActivity":  true,
	"businessRuleTask": true,
	"sendTask":      true,
	"receiveTask":   true,
}

// ElementMetadata is one activity's parsed metadata: extension properties,
// free-text documentation and display name (§3 DiagramElementMetadata).
type ElementMetadata struct {
	ID                  string
	Name                string
	Documentation       string
	ExtensionProperties map[string]string
}

// rawDefinitions mirrors only the subset of bpmn:definitions this package
// needs; unknown elements and attributes are ignored by encoding/xml.
type rawDefinitions struct {
	XMLName xml.Name      `xml:"definitions"`
	Process []rawProcess  `xml:"process"`
}

type rawProcess struct {
	ID       string          `xml:"id,attr"`
	Elements []rawActivity   `xml:",any"`
}

type rawActivity struct {
	XMLName       xml.Name
	ID            string              `xml:"id,attr"`
	Name          string              `xml:"name,attr"`
	Documentation []rawDocumentation  `xml:"documentation"`
	ExtensionElements []rawExtensionElements `xml:"extensionElements"`
}

type rawDocumentation struct {
	Text string `xml:",chardata"`
}

type rawExtensionElements struct {
	Properties []rawCamundaProperty `xml:"properties>property"`
}

type rawCamundaProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// ParseProcessDiagram parses a full BPMN XML document and returns the
// metadata for every activity element found, keyed by element id. Unknown
// elements (gateways, events, flows, non-activity tags) are skipped rather
// than rejected, since the core only ever looks up activity ids.
func ParseProcessDiagram(data []byte) (map[string]ElementMetadata, error) {
	var defs rawDefinitions
	if err := xml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse bpmn xml: %w", err)
	}

	out := make(map[string]ElementMetadata)
	for _, proc := range defs.Process {
		for _, el := range proc.Elements {
			if !activityElementNames[el.XMLName.Local] {
				continue
			}
			if el.ID == "" {
				continue
			}
			meta := ElementMetadata{
				ID:                  el.ID,
				Name:                el.Name,
				ExtensionProperties: map[string]string{},
			}
			if len(el.Documentation) > 0 {
				meta.Documentation = el.Documentation[0].Text
			}
			for _, ext := range el.ExtensionElements {
				for _, prop := range ext.Properties {
					meta.ExtensionProperties[prop.Name] = prop.Value
				}
			}
			out[el.ID] = meta
		}
	}
	return out, nil
}

// Lookup parses data and returns the metadata for a single activityId. The
// second return value is false when the XML parsed cleanly but the element
// was not found (the cache treats this as "absent", per §4.4).
func Lookup(data []byte, activityID string) (ElementMetadata, bool, error) {
	all, err := ParseProcessDiagram(data)
	if err != nil {
		return ElementMetadata{}, false, err
	}
	meta, ok := all[activityID]
	return meta, ok, nil
}
