// Package rules compiles and evaluates detection rules.
//
// The rule language is a subset of YARA: rules with tags, a "meta" section,
// text, hex and regular expression strings with the nocase, ascii, wide and
// fullword modifiers, and boolean conditions over string presence, string
// counts, filesize, "of" expressions and earlier rules. Modules, imports,
// private and global rules are not supported.
//
// Regular expressions use the [regexp] syntax and are matched against the
// buffer as UTF-8, so a "." will not match an arbitrary byte above 0x7F. Use
// a hex string for binary patterns.
//
// A rule's "weight" meta value, when present, must be an integer and is
// reported on every [Match].
package rules
