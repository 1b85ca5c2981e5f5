// Package pattern selects hosts from an inventory snapshot.
//
// A pattern is a list of terms separated by commas (or colons, when that is
// unambiguous). Each term names groups or hosts literally, with a glob
// (web*, db?) or with a regular expression (~web\d+), optionally followed by
// a subscript ([0], [1:3], [:2], [-1]). A leading ! excludes the term's
// hosts and a leading & intersects with them; terms apply left to right.
//
//	webservers:&staging:!web3
//	all,!db1
//	web*[0]
package pattern
