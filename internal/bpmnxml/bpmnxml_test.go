package bpmnxml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDiagram = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL"
                   xmlns:camunda="http://camunda.org/schema/1.0/bpmn"
                   id="Definitions_1" targetNamespace="http://bpmn.io/schema/bpmn">
  <bpmn:process id="review-process" isExecutable="true">
    <bpmn:userTask id="Activity_review" name="Review request">
      <bpmn:documentation>Reviewer checks the submitted request.</bpmn:documentation>
      <bpmn:extensionElements>
        <camunda:properties>
          <camunda:property name="RESPONSIBLE_ID" value="42"/>
          <camunda:property name="PRIORITY" value="2"/>
        </camunda:properties>
      </bpmn:extensionElements>
    </bpmn:userTask>
    <bpmn:exclusiveGateway id="Gateway_1" name="approved?"/>
    <bpmn:serviceTask id="Activity_notify" name="Notify requester"/>
  </bpmn:process>
</bpmn:definitions>`

func TestParseProcessDiagram(t *testing.T) {
	meta, err := ParseProcessDiagram([]byte(sampleDiagram))
	require.NoError(t, err)

	review, ok := meta["Activity_review"]
	require.True(t, ok)
	assert.Equal(t, "Review request", review.Name)
	assert.Equal(t, "Reviewer checks the submitted request.", review.Documentation)
	assert.Equal(t, "42", review.ExtensionProperties["RESPONSIBLE_ID"])
	assert.Equal(t, "2", review.ExtensionProperties["PRIORITY"])

	_, ok = meta["Gateway_1"]
	assert.False(t, ok, "gateways are not activity elements")

	notify, ok := meta["Activity_notify"]
	require.True(t, ok)
	assert.Equal(t, "Notify requester", notify.Name)
	assert.Empty(t, notify.Documentation)
}

func TestLookup_NotFound(t *testing.T) {
	_, ok, err := Lookup([]byte(sampleDiagram), "Activity_missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookup_Found(t *testing.T) {
	meta, ok, err := Lookup([]byte(sampleDiagram), "Activity_review")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Review request", meta.Name)
}

func TestParseProcessDiagram_InvalidXML(t *testing.T) {
	_, err := ParseProcessDiagram([]byte("<not-xml"))
	assert.Error(t, err)
}
