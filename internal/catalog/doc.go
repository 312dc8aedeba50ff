// Package catalog discovers firmware builds from a local AppleDB clone.
//
// The clone's osFiles tree holds one JSON metadata document per build,
// grouped by OS and version folders; the document basename is the build
// identifier. The catalog only reads the tree. Populating and updating the
// clone belongs to the sync step.
package catalog
