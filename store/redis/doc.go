// Package redis stores build reports in Redis.
//
// Key layout, with the default prefix "ragbuild:report:":
//
//	ragbuild:report:runs                 set of run IDs
//	ragbuild:report:run:<id>:seq         sequence counter (INCR)
//	ragbuild:report:run:<id>:entries     list of JSON entries (RPUSH)
//
// A TTL, when set, applies to a run's entries and counter and is refreshed
// on every append. Expired runs are pruned from the run set by Runs.
//
//	reports := redis.NewRedisReportStore(redis.RedisOptions{
//		Addr: "localhost:6379",
//		TTL:  7 * 24 * time.Hour,
//	})
//	defer reports.Close()
package redis
