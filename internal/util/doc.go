// Package util provides small helpers shared by the authorization server
// packages.
//
// Key utilities:
//   - SafeTruncate: truncates codes and tokens before they are logged
//   - ParseScope / FormatScope: convert between the space-delimited wire form
//     of a scope parameter and a de-duplicated slice
//   - IsSubset: scope containment checks
package util
