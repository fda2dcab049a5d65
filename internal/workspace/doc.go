// Package workspace defines the shared types, sentinel errors and collaborator
// interfaces of the scrape workspace engine: projects, subprojects, artifacts,
// token records and compressed bundles.
package workspace
