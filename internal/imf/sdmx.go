package imf

import (
	"bytes"
	"encoding/json"
	"strings"
)

// many decodes an SDMX-JSON field that is an array when there are several
// entries but a bare object when there is exactly one.
type many[T any] []T

func (m *many[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*m = nil
		return nil
	}
	if b[0] == '[' {
		var list []T
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*m = list
		return nil
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*m = []T{one}
	return nil
}

type textNode struct {
	Lang string `json:"@xml:lang"`
	Text string `json:"#text"`
}

// dataflowResponse is the body of the Dataflow endpoint.
type dataflowResponse struct {
	Structure struct {
		Dataflows struct {
			Dataflow many[struct {
				KeyFamilyRef struct {
					KeyFamilyID string `json:"KeyFamilyID"`
				} `json:"KeyFamilyRef"`
				Name textNode `json:"Name"`
			}] `json:"Dataflow"`
		} `json:"Dataflows"`
	} `json:"Structure"`
}

// dataStructureResponse is the body of the DataStructure/{db} endpoint.
type dataStructureResponse struct {
	Structure *struct {
		CodeLists struct {
			CodeList many[codeList] `json:"CodeList"`
		} `json:"CodeLists"`
		KeyFamilies struct {
			KeyFamily many[struct {
				ID         string `json:"@id"`
				Components struct {
					Dimension many[struct {
						CodeList   string `json:"@codelist"`
						ConceptRef string `json:"@conceptRef"`
					}] `json:"Dimension"`
				} `json:"Components"`
			}] `json:"KeyFamily"`
		} `json:"KeyFamilies"`
	} `json:"Structure"`
}

type codeList struct {
	ID   string   `json:"@id"`
	Name textNode `json:"Name"`
	Code many[struct {
		Value       string   `json:"@value"`
		Description textNode `json:"Description"`
	}] `json:"Code"`
}

// compactDataResponse is the body of the CompactData/{db}/{key} endpoint.
type compactDataResponse struct {
	CompactData *struct {
		DataSet struct {
			Series many[map[string]json.RawMessage] `json:"Series"`
		} `json:"DataSet"`
	} `json:"CompactData"`
}

// attrName turns "@REF_AREA" into "ref_area". Keys that are not attributes
// return "".
func attrName(key string) string {
	if !strings.HasPrefix(key, "@") {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(key, "@"))
}
