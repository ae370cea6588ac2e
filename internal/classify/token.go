package classify

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

// RequiredTokenFunctions is the fungible-token trait surface
var RequiredTokenFunctions = []string{
	"get-name",
	"get-symbol",
	"get-decimals",
	"get-total-supply",
	"get-token-uri",
	"transfer",
	"get-balance",
}

// OptionalTokenFunctions earn a small bonus when present
var OptionalTokenFunctions = []string{
	"mint",
	"burn",
	"transfer-memo",
	"transfer-many",
	"set-token-uri",
	"get-owner",
}

const (
	requiredPoints    = 80
	transferBonus     = 5
	balanceBonus      = 5
	transferPenalty   = 20
	balancePenalty    = 15
	optionalPoints    = 2
	optionalCap       = 10
	protocolPenalty   = 10
	transferShapeBits = 3
	balanceShapeBits  = 2
	sourceDetectedCap = 30
)

// protocolMarkers flag names typical of protocol contracts rather than plain tokens
var protocolMarkers = []string{
	"swap", "pool", "stake", "liquidity", "reward", "claim", "harvest",
	"vault", "govern", "proposal", "vote", "oracle", "flash", "collateral",
}

var (
	sourceFunctionPattern = regexp.MustCompile(`\(define-(?:public|read-only)\s+\(([a-z0-9?!\-]+)`)
	sourceFTPattern       = regexp.MustCompile(`\(define-fungible-token\s`)
	sourceValuePattern    = regexp.MustCompile(`(?i)\b(?:transfer|balance|supply)\b`)
	sourceTokenPattern    = regexp.MustCompile(`(?i)\b(?:token|fungible-token|ft-transfer\?|ft-mint\?)`)
)

// Detection is the token-standard verdict for one contract
type Detection struct {
	Label         types.TokenType
	Score         int
	Matched       []string
	Missing       []string
	Optional      []string
	ProtocolNames []string
	FromSource    bool
	Notes         []string
}

// Result projects the detection onto a classification result
func (d Detection) Result(identifier string) models.ClassificationResult {
	return models.ClassificationResult{
		Identifier: identifier,
		Label:      string(d.Label),
		Confidence: d.Score,
		Rule:       "token-standard",
		Matched:    d.Matched,
		Missing:    d.Missing,
		Notes:      d.Notes,
	}
}

// IsStandardToken reports a full trait match
func (d Detection) IsStandardToken() bool {
	return d.Label == types.TokenFull
}

// DetectToken scores a contract against the fungible-token trait. The
// interface is authoritative; source text is consulted only when ci is nil,
// so source evidence never overrides an interface verdict.
func DetectToken(ci *models.ContractInterface, source string, t *Thresholds) Detection {
	if t == nil {
		t = DefaultThresholds()
	}
	if ci == nil || len(ci.Functions) == 0 {
		return detectFromSource(source, t)
	}

	present := make(map[string]bool, len(ci.Functions))
	for _, f := range ci.Functions {
		present[f.Name] = true
	}

	d := Detection{Label: types.TokenUnknown}
	for _, name := range RequiredTokenFunctions {
		if present[name] {
			d.Matched = append(d.Matched, name)
		} else {
			d.Missing = append(d.Missing, name)
		}
	}

	score := len(d.Matched) * requiredPoints / len(RequiredTokenFunctions)

	if present["transfer"] {
		score += transferBonus
	} else {
		score -= transferPenalty
	}
	if present["get-balance"] {
		score += balanceBonus
	} else {
		score -= balancePenalty
	}
	score += signatureShape(ci)

	bonus := 0
	for _, name := range OptionalTokenFunctions {
		if present[name] {
			d.Optional = append(d.Optional, name)
			bonus += optionalPoints
		}
	}
	if bonus > optionalCap {
		bonus = optionalCap
	}
	score += bonus

	d.ProtocolNames = protocolNames(ci.FunctionNames())
	if len(d.ProtocolNames) > t.Token.ProtocolNameLimit {
		score -= protocolPenalty
		d.Notes = append(d.Notes, fmt.Sprintf("%d protocol-like functions", len(d.ProtocolNames)))
	}

	d.Score = clamp(score, 0, 100)

	switch {
	case len(d.Matched) >= t.Token.FullMinRequired && d.Score >= t.Token.FullMinScore:
		d.Label = types.TokenFull
	case len(d.Matched) >= t.Token.PartialMinRequired:
		d.Label = types.TokenPartial
	default:
		if source != "" && detectFromSource(source, t).Label.IsToken() {
			d.Notes = append(d.Notes, "source suggests a token but the interface does not")
		}
	}
	return d
}

// signatureShape awards up to five points when transfer and get-balance have
// the conventional argument lists. Interfaces without argument data score zero.
func signatureShape(ci *models.ContractInterface) int {
	points := 0
	if f, ok := ci.Function("transfer"); ok && len(f.Args) == 4 {
		if f.Args[0].TypeName() == "uint128" &&
			f.Args[1].TypeName() == "principal" &&
			f.Args[2].TypeName() == "principal" &&
			f.Args[3].TypeName() == "optional" {
			points += transferShapeBits
		}
	}
	if f, ok := ci.Function("get-balance"); ok && len(f.Args) == 1 && f.Args[0].TypeName() == "principal" {
		points += balanceShapeBits
	}
	return points
}

func protocolNames(names []string) []string {
	known := make(map[string]bool, len(RequiredTokenFunctions)+len(OptionalTokenFunctions))
	for _, n := range RequiredTokenFunctions {
		known[n] = true
	}
	for _, n := range OptionalTokenFunctions {
		known[n] = true
	}

	var out []string
	for _, n := range names {
		if known[n] {
			continue
		}
		for _, m := range protocolMarkers {
			if strings.Contains(n, m) {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// SourceFunctions lists public and read-only function names defined in source
func SourceFunctions(source string) []string {
	var names []string
	for _, m := range sourceFunctionPattern.FindAllStringSubmatch(source, -1) {
		names = append(names, m[1])
	}
	return names
}

func detectFromSource(source string, t *Thresholds) Detection {
	d := Detection{Label: types.TokenUnknown, FromSource: true}

	defined := make(map[string]bool)
	for _, name := range SourceFunctions(source) {
		defined[name] = true
	}
	for _, name := range RequiredTokenFunctions {
		if defined[name] {
			d.Matched = append(d.Matched, name)
		} else {
			d.Missing = append(d.Missing, name)
		}
	}
	if strings.TrimSpace(source) == "" {
		d.Notes = append(d.Notes, "no interface or source available")
		return d
	}

	hasValueWords := sourceValuePattern.MatchString(source)
	switch {
	case len(d.Matched) >= t.Token.PartialMinRequired:
		d.Label = types.TokenPartial
		d.Score = len(d.Matched) * t.Token.SourceMaxConfidence / len(RequiredTokenFunctions)
		d.Notes = append(d.Notes, fmt.Sprintf("source defines %d required functions", len(d.Matched)))
	case hasValueWords && sourceFTPattern.MatchString(source):
		d.Label = types.TokenPartial
		d.Score = t.Token.SourceMaxConfidence / 2
		d.Notes = append(d.Notes, "source defines a fungible token")
	case hasValueWords && sourceTokenPattern.MatchString(source):
		d.Label = types.TokenSourceDetected
		d.Score = min(sourceDetectedCap, t.Token.SourceMaxConfidence)
		d.Notes = append(d.Notes, "token keywords in source")
	}
	sort.Strings(d.Notes)
	return d
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
