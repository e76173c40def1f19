package jsontree

import "testing"

const doc = `{
	"data": {
		"xdt_shortcode_media": {
			"__typename": "XDTGraphSidecar",
			"dimensions": {"width": 1080, "height": 1350},
			"video_duration": 12.5,
			"is_video": true,
			"owner": {"username": "someone", "full_name": null},
			"edge_sidecar_to_children": {
				"edges": [
					{"node": {"display_url": "https://cdn/a.jpg"}},
					{"node": {"display_url": "https://cdn/b.jpg"}}
				]
			}
		}
	}
}`

func TestGet_Walks(t *testing.T) {
	v, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	sm := v.Get("data", "xdt_shortcode_media")
	if !sm.Exists() {
		t.Fatal("shortcode media absent")
	}
	if got := sm.Get("__typename").Str(); got != "XDTGraphSidecar" {
		t.Fatalf("typename = %q", got)
	}
	if got := sm.Get("dimensions", "width").Int(); got != 1080 {
		t.Fatalf("width = %d", got)
	}
	if got := sm.Get("video_duration").Float(); got != 12.5 {
		t.Fatalf("duration = %v", got)
	}
	if !sm.Get("is_video").Bool() {
		t.Fatal("is_video = false")
	}
}

func TestGet_AbsentPathsDefault(t *testing.T) {
	v, _ := Parse([]byte(doc))

	if v.Get("data", "no", "such", "path").Exists() {
		t.Fatal("absent path exists")
	}
	if got := v.Get("nope").Str(); got != "" {
		t.Fatalf("Str on absent = %q", got)
	}
	if got := v.Get("nope").StrOr("fallback"); got != "fallback" {
		t.Fatalf("StrOr = %q", got)
	}
	if got := v.Get("nope").Int(); got != 0 {
		t.Fatalf("Int on absent = %d", got)
	}
	// null is present in the document but still reads as absent/default
	if v.Get("data", "xdt_shortcode_media", "owner", "full_name").Exists() {
		t.Fatal("null value reported as existing")
	}
}

func TestArr(t *testing.T) {
	v, _ := Parse([]byte(doc))

	edges := v.Get("data", "xdt_shortcode_media", "edge_sidecar_to_children", "edges").Arr()
	if len(edges) != 2 {
		t.Fatalf("len(edges) = %d", len(edges))
	}
	if got := edges[1].Get("node", "display_url").Str(); got != "https://cdn/b.jpg" {
		t.Fatalf("second url = %q", got)
	}
	if got := v.Get("data").Arr(); got != nil {
		t.Fatalf("Arr on object = %v", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("{not json")); err == nil {
		t.Fatal("expected parse error")
	}
}
