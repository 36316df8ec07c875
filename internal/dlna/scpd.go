package dlna

import "encoding/xml"

// SCPD is the parsed Service Control Protocol Description: the action table
// and state variables a service exposes.
type SCPD struct {
	ActionList struct {
		Actions []SCPDAction `xml:"action"`
	} `xml:"actionList"`
	ServiceStateTable struct {
		Variables []SCPDStateVariable `xml:"stateVariable"`
	} `xml:"serviceStateTable"`
}

type SCPDAction struct {
	Name         string `xml:"name"`
	ArgumentList struct {
		Arguments []SCPDArgument `xml:"argument"`
	} `xml:"argumentList"`
}

type SCPDArgument struct {
	Name      string `xml:"name"`
	Direction string `xml:"direction"`
}

type SCPDStateVariable struct {
	Name              string `xml:"name"`
	DataType          string `xml:"dataType"`
	AllowedValueRange *struct {
		Minimum int `xml:"minimum"`
		Maximum int `xml:"maximum"`
		Step    int `xml:"step"`
	} `xml:"allowedValueRange"`
}

func parseSCPD(doc []byte) (*SCPD, error) {
	var scpd SCPD
	if err := xml.Unmarshal(stripDefaultNamespace(doc), &scpd); err != nil {
		return nil, err
	}
	return &scpd, nil
}

// Action returns the named action's description, or nil when the service
// does not implement it.
func (s *SCPD) Action(name string) *SCPDAction {
	for i := range s.ActionList.Actions {
		if s.ActionList.Actions[i].Name == name {
			return &s.ActionList.Actions[i]
		}
	}
	return nil
}

// VolumeRange reports the allowed range of the Volume state variable.
func (s *SCPD) VolumeRange() (min, max, step int, ok bool) {
	for _, v := range s.ServiceStateTable.Variables {
		if v.Name == "Volume" && v.AllowedValueRange != nil {
			r := v.AllowedValueRange
			return r.Minimum, r.Maximum, r.Step, true
		}
	}
	return 0, 0, 0, false
}
