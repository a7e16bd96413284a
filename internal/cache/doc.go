/*
Package cache is the redis-backed result cache.

Terminal execution results are stored under "ducky:result:<task id>" with a
TTL, so result polling survives process restarts and the eviction of
in-memory handles. Manager satisfies the orchestrator's ResultCache
contract; generic Get/Set/JSON helpers and a background health check loop
round it out. A miss is reported as ErrCacheMiss (or a false second return
on the result surface), never as a transport error.
*/
package cache
