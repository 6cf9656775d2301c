package types

// TokenKind discriminates the variant carried by a CommandToken. A token
// appears wherever the original system allowed a literal string or a
// SpecialPath: command arguments, stdin, stdout/stderr targets, and the
// working directory.
type TokenKind string

const (
	TokenLiteral  TokenKind = "literal"
	TokenTransfer TokenKind = "transfer"
	TokenShared   TokenKind = "shared"
	TokenTemp     TokenKind = "temp"
	TokenOption   TokenKind = "option"
	TokenPair     TokenKind = "pair"
	TokenSeq      TokenKind = "seq"
)

// CommandToken is the tagged-union representation of one command element
// before path resolution (spec.md §9). Exactly one of the kind-specific
// fields is meaningful, selected by Kind.
type CommandToken struct {
	Kind TokenKind

	Literal string

	// TokenTransfer / TokenShared / TokenTemp / TokenOption carry the id of
	// the referenced entity; the resolver looks it up in the store.
	RefID string

	// TokenPair is (ref, relative path): concrete_dir(ref) + "/" + Relative.
	Relative string

	// TokenSeq is an ordered list of sub-tokens resolved element-wise and
	// rendered as "['p1', 'p2', …]".
	Seq []CommandToken
}

// IsZero reports whether this token was left unset (e.g. no stdin given).
func (t CommandToken) IsZero() bool {
	return t.Kind == "" && t.Literal == "" && t.RefID == "" && len(t.Seq) == 0
}

// Lit builds a literal command token.
func Lit(s string) CommandToken { return CommandToken{Kind: TokenLiteral, Literal: s} }

// TransferRef builds a token referencing a transfer by id.
func TransferRef(id string) CommandToken { return CommandToken{Kind: TokenTransfer, RefID: id} }

// SharedRef builds a token referencing a shared resource path by id.
func SharedRef(id string) CommandToken { return CommandToken{Kind: TokenShared, RefID: id} }

// TempRef builds a token referencing a temporary path by id.
func TempRef(id string) CommandToken { return CommandToken{Kind: TokenTemp, RefID: id} }

// OptionRef builds a token referencing an option path by id.
func OptionRef(id string) CommandToken { return CommandToken{Kind: TokenOption, RefID: id} }

// PairRef builds a (transfer, relative-path) token.
func PairRef(transferID, relative string) CommandToken {
	return CommandToken{Kind: TokenPair, RefID: transferID, Relative: relative}
}

// SeqRef builds a sequence token out of element tokens.
func SeqRef(elems ...CommandToken) CommandToken {
	return CommandToken{Kind: TokenSeq, Seq: elems}
}

// Template is the fully-resolved submission descriptor handed to a DRM
// adapter's Submit — every CommandToken has already been replaced by a
// concrete string.
type Template struct {
	JobID       string
	Command     []string
	WorkingDir  string
	StdinFile   string
	StdoutFile  string
	StderrFile  string
	JoinStderr  bool
	Environment map[string]string
	NativeSpec  string
	Parallel    *ParallelDescriptor
}
