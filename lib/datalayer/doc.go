// Package datalayer maps the regions a node serves to their disks and drives
// log draining for writers that hit a full log.
package datalayer
