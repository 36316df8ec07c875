package dlna

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripDefaultNamespace(t *testing.T) {
	t.Run("removes only the first default namespace", func(t *testing.T) {
		in := `<root xmlns="urn:schemas-upnp-org:device-1-0"><item xmlns="urn:keep-me"/></root>`
		out := string(stripDefaultNamespace([]byte(in)))
		require.Equal(t, `<root><item xmlns="urn:keep-me"/></root>`, out)
	})

	t.Run("leaves documents without one untouched", func(t *testing.T) {
		in := `<root><a/></root>`
		require.Equal(t, in, string(stripDefaultNamespace([]byte(in))))
	})
}

func TestParseRootDescription(t *testing.T) {
	doc := `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <friendlyName>Kitchen Speaker</friendlyName>
    <modelDescription>Test Renderer</modelDescription>
    <UDN>uuid:abc-123</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <controlURL>/avt/control</controlURL>
        <eventSubURL>/avt/event</eventSubURL>
        <SCPDURL>/avt/scpd.xml</SCPDURL>
      </service>
    </serviceList>
  </device>
</root>`
	root, err := parseRootDescription([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, "Kitchen Speaker", root.Device.FriendlyName)
	require.Equal(t, "uuid:abc-123", root.Device.UDN)
	require.Len(t, root.Device.ServiceList.Services, 1)
	require.Equal(t, AVTransportServiceType, root.Device.ServiceList.Services[0].ServiceType)
	require.Equal(t, "/avt/control", root.Device.ServiceList.Services[0].ControlURL)
}

const testSCPDDoc = `<?xml version="1.0"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0">
  <actionList>
    <action>
      <name>SetVolume</name>
      <argumentList>
        <argument><name>InstanceID</name><direction>in</direction></argument>
        <argument><name>Channel</name><direction>in</direction></argument>
        <argument><name>DesiredVolume</name><direction>in</direction></argument>
      </argumentList>
    </action>
    <action>
      <name>GetVolume</name>
      <argumentList>
        <argument><name>InstanceID</name><direction>in</direction></argument>
        <argument><name>Channel</name><direction>in</direction></argument>
        <argument><name>CurrentVolume</name><direction>out</direction></argument>
      </argumentList>
    </action>
  </actionList>
  <serviceStateTable>
    <stateVariable>
      <name>Volume</name>
      <dataType>ui2</dataType>
      <allowedValueRange>
        <minimum>0</minimum>
        <maximum>30</maximum>
        <step>1</step>
      </allowedValueRange>
    </stateVariable>
  </serviceStateTable>
</scpd>`

func TestParseSCPD(t *testing.T) {
	scpd, err := parseSCPD([]byte(testSCPDDoc))
	require.NoError(t, err)

	t.Run("action lookup", func(t *testing.T) {
		action := scpd.Action("SetVolume")
		require.NotNil(t, action)
		require.Len(t, action.ArgumentList.Arguments, 3)
		require.Nil(t, scpd.Action("Unknown"))
	})

	t.Run("volume range", func(t *testing.T) {
		min, max, step, ok := scpd.VolumeRange()
		require.True(t, ok)
		require.Equal(t, 0, min)
		require.Equal(t, 30, max)
		require.Equal(t, 1, step)
	})

	t.Run("no range declared", func(t *testing.T) {
		bare, err := parseSCPD([]byte(`<scpd><serviceStateTable><stateVariable><name>Volume</name></stateVariable></serviceStateTable></scpd>`))
		require.NoError(t, err)
		_, _, _, ok := bare.VolumeRange()
		require.False(t, ok)
	})
}
