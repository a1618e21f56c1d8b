package op

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/coedit/syncpad/internal/clock"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		op   Operation
		ok   bool
	}{
		{"insert", Operation{Kind: KindInsert, Actor: "a", Seq: 1, Pos: 0, Content: "x"}, true},
		{"delete", Operation{Kind: KindDelete, Actor: "a", Seq: 1, Span: Range{0, 2}}, true},
		{"format", Operation{Kind: KindFormat, Actor: "a", Seq: 1, Span: Range{1, 3}, Format: "bold"}, true},
		{"image", Operation{Kind: KindInsertImage, Actor: "a", Seq: 1, Pos: 4, AssetRef: "asset://1"}, true},
		{"missing actor", Operation{Kind: KindInsert, Seq: 1, Content: "x"}, false},
		{"zero seq", Operation{Kind: KindInsert, Actor: "a", Content: "x"}, false},
		{"negative pos", Operation{Kind: KindInsert, Actor: "a", Seq: 1, Pos: -1, Content: "x"}, false},
		{"empty content", Operation{Kind: KindInsert, Actor: "a", Seq: 1}, false},
		{"inverted range", Operation{Kind: KindDelete, Actor: "a", Seq: 1, Span: Range{3, 1}}, false},
		{"empty format kind", Operation{Kind: KindFormat, Actor: "a", Seq: 1, Span: Range{0, 1}}, false},
		{"empty asset", Operation{Kind: KindInsertImage, Actor: "a", Seq: 1}, false},
		{"unknown kind", Operation{Kind: "replace", Actor: "a", Seq: 1}, false},
	}

	for _, tc := range cases {
		err := tc.op.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("%s: error should wrap ErrMalformed, got %v", tc.name, err)
			}
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	o := Operation{Kind: KindInsert, Actor: "a", Seq: 2, Content: "hi", Deps: clock.Vector{"b": 1}}
	c := o.Clone()
	c.Deps.Observe("b", 9)

	if o.Deps.Get("b") != 1 {
		t.Fatalf("clone shares deps vector with original")
	}
}

func TestWireFormCarriesSpanExplicitly(t *testing.T) {
	b, err := json.Marshal(Operation{Kind: KindDelete, Actor: "a", Seq: 1, Span: Range{Start: 2, End: 5}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"span":{"start":2,"end":5}`) {
		t.Fatalf("span missing from wire form: %s", b)
	}

	var back Operation
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Span != (Range{Start: 2, End: 5}) {
		t.Fatalf("span did not survive the wire: %+v", back.Span)
	}
}

func TestInsertLen(t *testing.T) {
	ins := Operation{Kind: KindInsert, Content: "héllo"}
	if ins.InsertLen() != 5 {
		t.Fatalf("insert length should count runes, got %d", ins.InsertLen())
	}
	img := Operation{Kind: KindInsertImage, AssetRef: "a"}
	if img.InsertLen() != 1 {
		t.Fatalf("image should occupy one unit, got %d", img.InsertLen())
	}
	del := Operation{Kind: KindDelete, Span: Range{0, 3}}
	if del.InsertLen() != 0 {
		t.Fatalf("delete should not insert units")
	}
}
