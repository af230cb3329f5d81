package namelist

import (
	"strings"
	"testing"
)

const sampleInput = `
! SSCHA relaxation input
&inputscha
	fildyn_prefix = "start_dyn"   ! starting dynamical matrix
	n_random = 32
	t = 100.0
	meaningful_factor = 1.d-4
	lambda_a = 0.5, lambda_w = 0.25
	supercell_size = 2 2 1
	minim_struc = .true.
&end

&utils
	save_freq_filename = 'freqs.dat'
	mu_lock_start = 4
	mu_lock_end = 6
/
`

func TestParseGroupsAndScalars(t *testing.T) {
	doc, err := Parse(strings.NewReader(sampleInput))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if got := len(doc.Groups()); got != 2 {
		t.Fatalf("expected 2 groups, got %d", got)
	}

	scha := doc.Group("inputscha")
	if scha == nil {
		t.Fatalf("missing &inputscha group")
	}

	s, err := scha.String("fildyn_prefix")
	if err != nil || s != "start_dyn" {
		t.Fatalf("fildyn_prefix: got %q err=%v", s, err)
	}
	n, err := scha.Int("n_random")
	if err != nil || n != 32 {
		t.Fatalf("n_random: got %d err=%v", n, err)
	}
	temp, err := scha.Float("T")
	if err != nil || temp != 100.0 {
		t.Fatalf("case-insensitive float lookup: got %v err=%v", temp, err)
	}
	mf, err := scha.Float("meaningful_factor")
	if err != nil || mf != 1e-4 {
		t.Fatalf("fortran exponent: got %v err=%v", mf, err)
	}
	b, err := scha.Bool("minim_struc")
	if err != nil || !b {
		t.Fatalf("minim_struc: got %v err=%v", b, err)
	}
}

func TestParseMultipleValuesPerLine(t *testing.T) {
	doc, err := Parse(strings.NewReader(sampleInput))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	scha := doc.Group("inputscha")

	// lambda_a and lambda_w share a source line.
	la, err := scha.Float("lambda_a")
	if err != nil || la != 0.5 {
		t.Fatalf("lambda_a: got %v err=%v", la, err)
	}
	lw, err := scha.Float("lambda_w")
	if err != nil || lw != 0.25 {
		t.Fatalf("lambda_w: got %v err=%v", lw, err)
	}

	cells, err := scha.Ints("supercell_size")
	if err != nil {
		t.Fatalf("supercell_size: %v", err)
	}
	want := []int{2, 2, 1}
	if len(cells) != len(want) {
		t.Fatalf("supercell_size length: want %d got %d", len(want), len(cells))
	}
	for i := range want {
		if cells[i] != want[i] {
			t.Fatalf("supercell_size[%d]: want %d got %d", i, want[i], cells[i])
		}
	}
}

func TestParseSlashTerminator(t *testing.T) {
	doc, err := Parse(strings.NewReader(sampleInput))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	utils := doc.Group("utils")
	if utils == nil {
		t.Fatalf("missing &utils group closed by /")
	}
	s, err := utils.String("save_freq_filename")
	if err != nil || s != "freqs.dat" {
		t.Fatalf("single-quoted string: got %q err=%v", s, err)
	}
}

func TestParseIndexedAssignments(t *testing.T) {
	input := `&cell
	celldm(1) = 10.2
	celldm(2) = 1.0
	celldm(3) = 1.5
&end
`
	doc, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	vals, err := doc.Group("cell").Floats("celldm")
	if err != nil {
		t.Fatalf("celldm: %v", err)
	}
	want := []float64{10.2, 1.0, 1.5}
	for i := range want {
		if vals[i] != want[i] {
			t.Fatalf("celldm[%d]: want %v got %v", i, want[i], vals[i])
		}
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"unclosed group", "&inputscha\nn_random = 3\n"},
		{"assignment outside group", "n_random = 3\n"},
		{"nested group", "&a\n&b\n&end\n"},
		{"stray end", "&end\n"},
		{"missing value", "&a\nkey =\n&end\n"},
		{"unterminated string", "&a\nname = 'oops\n&end\n"},
		{"sparse indexed key", "&a\nv(2) = 1.0\n&end\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tc.input)); err == nil {
				t.Fatalf("expected parse failure for %q", tc.input)
			}
		})
	}
}

func TestCommentInsideString(t *testing.T) {
	input := "&a\nname = 'has!bang' ! trailing comment\n&end\n"
	doc, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	s, err := doc.Group("a").String("name")
	if err != nil || s != "has!bang" {
		t.Fatalf("quoted bang: got %q err=%v", s, err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	doc := &Document{}
	g := doc.AddGroup("inputscha")
	g.Set("n_random", "16")
	g.Set("t", "300.0")
	g.Set("fildyn_prefix", Quote("dyn_start"))
	g.Set("supercell_size", "2", "2", "2")

	var buf strings.Builder
	if err := Encode(&buf, doc); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	back, err := Parse(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("reparse failed: %v\n%s", err, buf.String())
	}
	g2 := back.Group("inputscha")
	if n, err := g2.Int("n_random"); err != nil || n != 16 {
		t.Fatalf("round-trip n_random: got %d err=%v", n, err)
	}
	if s, err := g2.String("fildyn_prefix"); err != nil || s != "dyn_start" {
		t.Fatalf("round-trip fildyn_prefix: got %q err=%v", s, err)
	}
	cells, err := g2.Ints("supercell_size")
	if err != nil || len(cells) != 3 {
		t.Fatalf("round-trip supercell_size: got %v err=%v", cells, err)
	}
}
