/*

Package zkem is an asynchronous adapter around a ZooKeeper-style coordination service client,
built for single-threaded cooperative event loops.

Every operation returns a single-use Future immediately; session state transitions are exposed
as resettable one-shot subscription points. Nothing in the package ever blocks the loop.

For an overview of the package see: https://github.com/slyphon/zk-eventmachine/blob/master/README.md

*/
package zkem
