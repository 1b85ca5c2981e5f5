// Package inventory models the hosts and groups a run can target.
//
// An Inventory is an arena of hosts and groups addressed by integer ids.
// Groups form a directed acyclic graph rooted at the implicit all group;
// hosts that belong to no other group are members of ungrouped. Sources
// (YAML, JSON, CUE, Starlark, executables and plain host lists) are loaded
// in order and merged with Build.
//
// Runs never use an Inventory directly. They take a Snapshot, which is
// immutable and safe for concurrent use, and resolve each host's variables
// from it. Variable precedence, lowest first:
//
//  1. group variables, shallow groups before deep ones, ties broken by
//     froyo_group_priority and then by name
//  2. host variables
//  3. magic variables (inventory_hostname, group_names, ...)
//  4. decrypted vault values and vault fragments
package inventory
